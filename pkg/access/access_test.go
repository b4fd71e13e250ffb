package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/identity"
)

func TestTierPolicy(t *testing.T) {
	p, err := NewPolicy(&config.Config{})
	require.NoError(t, err)

	require.True(t, p.CanPurchase(identity.RoleStandard, ""))
	require.True(t, p.CanPurchase(identity.RoleStandard, "standard"))
	require.False(t, p.CanPurchase(identity.RoleStandard, "privileged"))
	require.True(t, p.CanPurchase(identity.RolePrivileged, "privileged"))
	require.True(t, p.CanPurchase(identity.RolePrivileged, ""))
	require.False(t, p.CanPurchase(identity.Role("guest"), "privileged"))
}

func TestExtraPolicyLines(t *testing.T) {
	cfg := &config.Config{}
	cfg.AccessControl.Policy = "p, privileged, tier:collector, purchase\n"

	p, err := NewPolicy(cfg)
	require.NoError(t, err)
	require.True(t, p.CanPurchase(identity.RolePrivileged, "collector"))
	require.False(t, p.CanPurchase(identity.RoleStandard, "collector"))

	cfg.AccessControl.Policy = "x, a, b\n"
	_, err = NewPolicy(cfg)
	require.Error(t, err)
}

func TestExtraGroupingLines(t *testing.T) {
	cfg := &config.Config{}
	cfg.AccessControl.Policy = `
# collectors buy the collector tier, privileged users are collectors
p, collector, tier:collector, purchase
g, privileged, collector
`

	p, err := NewPolicy(cfg)
	require.NoError(t, err)
	require.True(t, p.CanPurchase(identity.RolePrivileged, "collector"))
	require.True(t, p.CanPurchase(identity.RolePrivileged, "standard"))
	require.False(t, p.CanPurchase(identity.RoleStandard, "collector"))
}
