package relayd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validSpec() FrontendSpec {
	return FrontendSpec{
		Name: "svc", Mode: ModeTCP, Enabled: true,
		BindHost: "0.0.0.0", BindPort: 443,
		MaxInFlight: 100, AcceptRatePerSec: 50,
		DefaultBackend: "b1",
	}
}

func TestFrontendSpecValidateRequiresName(t *testing.T) {
	spec := validSpec()
	spec.Name = ""
	require.Error(t, spec.Validate())
}

func TestFrontendSpecValidateRejectsUnknownMode(t *testing.T) {
	spec := validSpec()
	spec.Mode = "quic"
	require.Error(t, spec.Validate())
}

func TestFrontendSpecValidateRejectsOutOfRangePort(t *testing.T) {
	spec := validSpec()
	spec.BindPort = 70000
	require.Error(t, spec.Validate())

	spec.BindPort = 0
	require.Error(t, spec.Validate())
}

func TestFrontendSpecValidateRequiresDefaultBackendForTCP(t *testing.T) {
	spec := validSpec()
	spec.DefaultBackend = ""
	require.Error(t, spec.Validate())
}

func TestFrontendSpecValidateAllowsUDPAndHTTPWithoutDefaultBackend(t *testing.T) {
	spec := validSpec()
	spec.Mode = ModeUDP
	spec.DefaultBackend = ""
	require.NoError(t, spec.Validate())

	spec.Mode = ModeHTTP
	require.NoError(t, spec.Validate())
}

func TestFrontendSpecValidateRejectsBadRates(t *testing.T) {
	spec := validSpec()
	spec.MaxInFlight = 0
	require.Error(t, spec.Validate())

	spec = validSpec()
	spec.AcceptRatePerSec = 0
	require.Error(t, spec.Validate())
}

func TestFrontendSpecEqualDetectsDomainRouteReorder(t *testing.T) {
	a := validSpec()
	a.Mode = ModeHTTP
	a.DomainRoutes = []DomainRoute{{HostPattern: "a.test", BackendRef: "A"}, {HostPattern: "b.test", BackendRef: "B"}}
	b := a
	b.DomainRoutes = []DomainRoute{{HostPattern: "b.test", BackendRef: "B"}, {HostPattern: "a.test", BackendRef: "A"}}
	require.False(t, a.Equal(b), "domain_routes is an ordered list; reordering it is a real change")
}

func TestFrontendSpecEqualIgnoresBlacklistOrder(t *testing.T) {
	a := validSpec()
	a.Blacklist = []string{"1.2.3.4", "5.6.7.8"}
	b := a
	b.Blacklist = []string{"5.6.7.8", "1.2.3.4"}
	require.True(t, a.Equal(b), "blacklist/whitelist are unordered sets")
}

func TestFrontendSpecEqualDetectsEveryScalarField(t *testing.T) {
	base := validSpec()
	cases := []func(*FrontendSpec){
		func(s *FrontendSpec) { s.Enabled = !s.Enabled },
		func(s *FrontendSpec) { s.BindHost = "127.0.0.1" },
		func(s *FrontendSpec) { s.BindPort++ },
		func(s *FrontendSpec) { s.TerminateTLS = !s.TerminateTLS },
		func(s *FrontendSpec) { s.DefaultBackend = "other" },
		func(s *FrontendSpec) { s.MaxInFlight++ },
		func(s *FrontendSpec) { s.AcceptRatePerSec++ },
		func(s *FrontendSpec) { s.IdleTimeoutMs++ },
	}
	for _, mutate := range cases {
		mutated := base
		mutate(&mutated)
		require.False(t, base.Equal(mutated), "mutation must be detected by Equal")
	}
}

func TestRoutingDecisionAddr(t *testing.T) {
	rd := RoutingDecision{UpstreamHost: "10.0.0.1", UpstreamPort: 8080}
	require.Equal(t, "10.0.0.1:8080", rd.Addr())
}
