package tools

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Tool categories.
const (
	CategoryDecompiler = "decompiler"
	CategoryDecoder    = "decoder"
	CategoryScanner    = "scanner"
	CategoryDynamic    = "dynamic"
)

// ToolDefinition defines metadata for an integrated engine.
type ToolDefinition struct {
	Name           string
	Category       string
	Binary         string
	DefaultTimeout time.Duration
	// Manual tools need a device or proxy and never run a process.
	Manual      bool
	InstallHint string
}

// ToolRegistry holds all tool definitions, in the order they are listed by /health.
var ToolRegistry = map[string]ToolDefinition{
	"jadx": {
		Name:           "jadx",
		Category:       CategoryDecompiler,
		Binary:         "jadx",
		DefaultTimeout: 300 * time.Second,
		InstallHint:    "Install jadx or place it under tools/jadx.",
	},
	"apktool": {
		Name:           "apktool",
		Category:       CategoryDecoder,
		Binary:         "apktool",
		DefaultTimeout: 300 * time.Second,
		InstallHint:    "Install apktool or place it under tools/apktool.",
	},
	"quark": {
		Name:           "quark",
		Category:       CategoryScanner,
		Binary:         "quark",
		DefaultTimeout: 300 * time.Second,
		InstallHint:    "Install with: pip install quark-engine",
	},
	"androguard": {
		Name:           "androguard",
		Category:       CategoryScanner,
		Binary:         "androguard",
		DefaultTimeout: 600 * time.Second,
		InstallHint:    "Install with: pip install androguard",
	},
	"frida": {
		Name:        "frida",
		Category:    CategoryDynamic,
		Binary:      "frida",
		Manual:      true,
		InstallHint: "Install with: pip install frida-tools",
	},
	"mitmproxy": {
		Name:        "mitmproxy",
		Category:    CategoryDynamic,
		Binary:      "mitmproxy",
		Manual:      true,
		InstallHint: "Install with: pip install mitmproxy",
	},
	"objection": {
		Name:        "objection",
		Category:    CategoryDynamic,
		Binary:      "objection",
		Manual:      true,
		InstallHint: "Install with: pip install objection",
	},
}

// DefaultToolOrder is the display order of the built-in tools.
var DefaultToolOrder = []string{"jadx", "apktool", "quark", "androguard", "frida", "mitmproxy", "objection"}

// UnknownToolError is returned when a request names a tool with no adapter.
type UnknownToolError struct {
	Tools []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tools: %s", strings.Join(e.Tools, ", "))
}

// UnavailableToolError is returned when a requested tool is not installed.
type UnavailableToolError struct {
	Tools []string
}

func (e *UnavailableToolError) Error() string {
	return fmt.Sprintf("tools not installed: %s", strings.Join(e.Tools, ", "))
}

// Catalog is the set of adapters the orchestrator can dispatch to.
type Catalog struct {
	adapters map[string]Adapter
	order    []string
}

// NewCatalog builds a catalog from adapters, keeping their order.
func NewCatalog(adapters ...Adapter) *Catalog {
	c := &Catalog{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := c.adapters[a.Name()]; !dup {
			c.order = append(c.order, a.Name())
		}
		c.adapters[a.Name()] = a
	}
	return c
}

// NewDefaultCatalog builds the adapters for every tool in ToolRegistry.
func NewDefaultCatalog(opts Options, logger logrus.FieldLogger) *Catalog {
	if opts.HomeDir == "" {
		opts.HomeDir, _ = os.UserHomeDir()
	}
	runner := NewRunner(opts.MaxOutputBytes, logger)

	adapters := make([]Adapter, 0, len(DefaultToolOrder))
	for _, name := range DefaultToolOrder {
		switch name {
		case "jadx":
			adapters = append(adapters, NewJadx(opts, runner, logger))
		case "apktool":
			adapters = append(adapters, NewApktool(opts, runner, logger))
		case "quark":
			adapters = append(adapters, NewQuark(opts, runner, logger))
		case "androguard":
			adapters = append(adapters, NewAndroguard(opts, runner, logger))
		case "frida":
			adapters = append(adapters, NewManual(name, opts,
				"Frida requires device connection. Use objection for runtime analysis.",
				[]string{"rooted device or emulator", "frida-server running on the device"}))
		case "mitmproxy":
			adapters = append(adapters, NewManual(name, opts,
				"MITMProxy requires active proxy setup. Configure manually for network analysis.",
				[]string{"device proxy pointed at mitmproxy", "mitmproxy CA certificate installed"}))
		case "objection":
			adapters = append(adapters, NewManual(name, opts,
				"Objection explores the running app over Frida. Attach it to the device manually.",
				[]string{"rooted device or emulator", "frida-server running on the device", "app installed on the device"}))
		}
	}
	return NewCatalog(adapters...)
}

// Get returns the adapter registered under name.
func (c *Catalog) Get(name string) (Adapter, bool) {
	a, ok := c.adapters[name]
	return a, ok
}

// Names returns the registered tool names in catalog order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Health reports the static availability of every registered tool.
func (c *Catalog) Health() map[string]bool {
	health := make(map[string]bool, len(c.adapters))
	for name, a := range c.adapters {
		health[name] = a.Available()
	}
	return health
}

// Validate checks that every named tool has an adapter and is installed.
// Unknown tools are reported before unavailable ones.
func (c *Catalog) Validate(names []string) error {
	var unknown, unavailable []string
	for _, name := range names {
		a, ok := c.adapters[name]
		switch {
		case !ok:
			unknown = append(unknown, name)
		case !a.Available():
			unavailable = append(unavailable, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &UnknownToolError{Tools: unknown}
	}
	if len(unavailable) > 0 {
		return &UnavailableToolError{Tools: unavailable}
	}
	return nil
}
