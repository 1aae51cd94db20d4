package flowgate

import (
	"encore.dev/config"

	"github.com/flowgate/flowgate/internal/flowgateconfig"
)

// flowgateEncoreCfg provides access to the Encore-managed config defaults.
//
// The schema is defined in a shared internal package, but config.Load must be
// called from within a service package (per Encore rules).
var flowgateEncoreCfg = config.Load[flowgateconfig.EncoreConfig]()
