package gen

import (
	"fmt"

	"smallbiznis-economy/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewNode))

// NewNode builds the id generator for this replica. NODE_ID must be unique
// per running process.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
