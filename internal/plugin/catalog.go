package plugin

import (
	"github.com/multibot-io/multibot/internal/dispatch"
	"github.com/multibot-io/multibot/internal/plugin/builtin"
	"github.com/multibot-io/multibot/internal/plugin/builtin/horoscope"
	"github.com/multibot-io/multibot/internal/plugin/builtin/md2pdf"
)

// BuiltinRegistry returns a registry preloaded with the compiled-in
// plugin set. Descriptor files can override their defaults but not
// replace their code.
func BuiltinRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(func() dispatch.Plugin { return builtin.NewStart() })
	r.MustRegister(func() dispatch.Plugin { return builtin.NewHelp() })
	r.MustRegister(func() dispatch.Plugin { return builtin.NewErrorHandler() })
	r.MustRegister(func() dispatch.Plugin { return builtin.NewBilling() })
	r.MustRegister(func() dispatch.Plugin { return builtin.NewAdmin() })
	r.MustRegister(func() dispatch.Plugin { return horoscope.New() })
	r.MustRegister(func() dispatch.Plugin { return md2pdf.New() })
	return r
}
