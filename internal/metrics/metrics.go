package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phone_auth"

// AuthMetrics counts outcomes of the verification and account flows. A nil
// *AuthMetrics records nothing.
type AuthMetrics struct {
	CodeRequests      *prometheus.CounterVec
	CodeVerifications *prometheus.CounterVec
	Registrations     *prometheus.CounterVec
	Logins            *prometheus.CounterVec
	CodesSwept        prometheus.Counter
}

func NewAuthMetrics(reg prometheus.Registerer) (*AuthMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	codeRequests, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codes",
		Name:      "requests_total",
		Help:      "Verification code requests partitioned by outcome.",
	}, "outcome")
	if err != nil {
		return nil, err
	}

	verifications, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codes",
		Name:      "verifications_total",
		Help:      "Verification code checks partitioned by verdict.",
	}, "verdict")
	if err != nil {
		return nil, err
	}

	registrations, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accounts",
		Name:      "registrations_total",
		Help:      "Registration attempts partitioned by outcome.",
	}, "outcome")
	if err != nil {
		return nil, err
	}

	logins, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accounts",
		Name:      "logins_total",
		Help:      "Login attempts partitioned by credential method and outcome.",
	}, "method", "outcome")
	if err != nil {
		return nil, err
	}

	swept := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codes",
		Name:      "swept_total",
		Help:      "Expired verification codes removed by the sweeper.",
	})
	if err := reg.Register(swept); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register swept collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(prometheus.Counter)
		if !ok {
			return nil, fmt.Errorf("existing swept collector has unexpected type %T", already.ExistingCollector)
		}
		swept = existing
	}

	return &AuthMetrics{
		CodeRequests:      codeRequests,
		CodeVerifications: verifications,
		Registrations:     registrations,
		Logins:            logins,
		CodesSwept:        swept,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
		}
		vec = existing
	}
	return vec, nil
}

func (m *AuthMetrics) CodeRequested(outcome string) {
	if m == nil {
		return
	}
	m.CodeRequests.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) CodeVerified(verdict string) {
	if m == nil {
		return
	}
	m.CodeVerifications.WithLabelValues(verdict).Inc()
}

func (m *AuthMetrics) Registered(outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
}

func (m *AuthMetrics) LoggedIn(method, outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(method, outcome).Inc()
}

func (m *AuthMetrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CodesSwept.Add(float64(n))
}
