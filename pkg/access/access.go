package access

import (
	"fmt"
	"strings"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/identity"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("access", fx.Provide(NewPolicy))

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

const ActPurchase = "purchase"

// TierObject is the casbin object for a listing tier; an empty tier is open to everyone.
func TierObject(tier string) string {
	if tier == "" {
		tier = string(identity.RoleStandard)
	}
	return "tier:" + tier
}

// Policy decides which roles may buy which listing tiers.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

// NewPolicy loads the built-in tier rules: privileged inherits standard.
// ACCESS_CONTROL.POLICY may add lines in casbin policy format.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	std, priv := string(identity.RoleStandard), string(identity.RolePrivileged)
	lines := []string{
		fmt.Sprintf("p, %s, %s, %s", std, TierObject(std), ActPurchase),
		fmt.Sprintf("p, %s, %s, %s", priv, TierObject(priv), ActPurchase),
		fmt.Sprintf("g, %s, %s", priv, std),
	}
	if cfg != nil {
		extra, err := policyLines(cfg.AccessControl.Policy)
		if err != nil {
			return nil, err
		}
		lines = append(lines, extra...)
	}

	e, err := casbin.NewSyncedEnforcer(m, stringadapter.NewAdapter(strings.Join(lines, "\n")))
	if err != nil {
		return nil, err
	}
	return &Policy{enforcer: e}, nil
}

// policyLines drops blanks and comments and rejects sections the model
// does not define; the adapter would skip them silently.
func policyLines(text string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		section, _, _ := strings.Cut(line, ",")
		switch strings.TrimSpace(section) {
		case "p", "g":
			out = append(out, line)
		default:
			return nil, fmt.Errorf("access policy line %q: unknown section %q", line, section)
		}
	}
	return out, nil
}

// CanPurchase reports whether role may buy a listing of the given tier.
func (p *Policy) CanPurchase(role identity.Role, tier string) bool {
	ok, err := p.enforcer.Enforce(string(role.Normalize()), TierObject(tier), ActPurchase)
	if err != nil {
		zap.L().Error("access enforce failed", zap.String("role", string(role)), zap.String("tier", tier), zap.Error(err))
		return false
	}
	return ok
}
