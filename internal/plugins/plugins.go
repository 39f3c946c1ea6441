// Package plugins wires the built-in probe and codec implementations into a
// plugin catalog.
package plugins

import (
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/plugins/cborcodec"
	"github.com/roach88/atsh/internal/plugins/execprobe"
	"github.com/roach88/atsh/internal/plugins/jsoncodec"
	"github.com/roach88/atsh/internal/plugins/loopback"
	"github.com/roach88/atsh/internal/proc"
)

// Builtin returns a catalog holding every built-in implementation.
func Builtin(tracker *proc.Tracker) *plugin.Catalog {
	c := plugin.NewCatalog()
	c.MustRegister(plugin.KindProbe, loopback.Implementation, loopback.New)
	c.MustRegister(plugin.KindProbe, execprobe.Implementation, execprobe.Factory(tracker))
	c.MustRegister(plugin.KindCodec, jsoncodec.Implementation, jsoncodec.New)
	c.MustRegister(plugin.KindCodec, cborcodec.Implementation, cborcodec.New)
	return c
}
