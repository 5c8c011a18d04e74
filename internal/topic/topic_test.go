package topic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildVar(t *testing.T) {
	require.Equal(t, "everest/charger1/var/connected", BuildVar("charger1", "", "connected"))
	require.Equal(t, "everest/charger1/evse1/var/connected", BuildVar("charger1", "evse1", "connected"))
}

func TestBuildCmd(t *testing.T) {
	require.Equal(t, "everest/manager/cmd/say_hello", BuildCmd("manager", "", "say_hello"))
}

func TestBuildResult(t *testing.T) {
	require.Equal(t, "everest/charger1/result", BuildResult("charger1"))
}

func TestParseResult(t *testing.T) {
	require.Equal(t, Info{Type: Result, PeerID: "charger1"}, Parse("everest/charger1/result"))
}

func TestParseVarNoImpl(t *testing.T) {
	require.Equal(t, Info{Type: Var, PeerID: "charger1", Name: "connected"}, Parse("everest/charger1/var/connected"))
}

func TestParseCmdWithImpl(t *testing.T) {
	want := Info{Type: Cmd, PeerID: "charger1", ImplID: "evse1", Name: "start_session"}
	require.Equal(t, want, Parse("everest/charger1/evse1/cmd/start_session"))
}

func TestParseOther(t *testing.T) {
	require.Equal(t, Other, Parse("someother/topic").Type)
	require.Equal(t, Other, Parse("everest_else/x/y").Type)
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"everest",
		"everest/",
		"everest//result",
		"everest/charger1",
		"everest/charger1/",
		"everest/charger1/unknown/name",
		"everest/charger1/evse1/unknown/name",
		"everest/charger1/evse1/var/",
		"everest/charger1/a/b/c/d",
	}
	for _, c := range cases {
		require.Equalf(t, Invalid, Parse(c).Type, "topic %q", c)
	}
}

func TestParseTrailingSlashIsInvalidNotOther(t *testing.T) {
	require.Equal(t, Invalid, Parse("everest/charger1/var/connected/").Type)
}
