package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	loginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_auth_logins_total",
		Help: "Login attempts by result.",
	}, []string{"result"})

	lockoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_auth_lockouts_total",
		Help: "Accounts locked, by counter that tripped.",
	}, []string{"counter"})

	resetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_auth_resets_total",
		Help: "Password reset events by stage and result.",
	}, []string{"stage", "result"})
)

func init() {
	prometheus.MustRegister(loginsTotal, lockoutsTotal, resetsTotal)
}

func loginResult(err error) string {
	if err == nil {
		return "success"
	}
	switch KindOf(err) {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountLocked:
		return "locked"
	case KindAccountSuspended:
		return "suspended"
	case KindOnlineResetLocked:
		return "olr_locked"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "error"
	}
}
