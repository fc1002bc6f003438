package language

import (
	"fmt"
	"sort"

	"kurooj/internal/judge/sandbox/engine"
	"kurooj/internal/judge/sandbox/observer"
	appErr "kurooj/pkg/errors"
)

// Registry maps language tags to adapters. The set is fixed at construction.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry validates specs and builds one adapter per language.
func NewRegistry(specs []Spec, eng engine.Engine, cfg CompileConfig, metrics observer.MetricsRecorder) (*Registry, error) {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	cfg.applyDefaults()

	adapters := make(map[string]Adapter, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, appErr.ValidationError("language.id", "required")
		}
		if _, dup := adapters[s.ID]; dup {
			return nil, appErr.ValidationError("language.id", fmt.Sprintf("duplicate language %q", s.ID))
		}
		if s.SourceFile == "" {
			return nil, appErr.ValidationError("language.sourceFile", "required for "+s.ID)
		}
		if s.RunCmdTpl == "" {
			return nil, appErr.ValidationError("language.runCmd", "required for "+s.ID)
		}
		switch s.Kind {
		case KindCompiled:
			if eng == nil {
				return nil, appErr.ValidationError("engine", "required for compiled languages")
			}
			if s.CompileCmdTpl == "" || s.BinaryFile == "" {
				return nil, appErr.ValidationError("language.compileCmd", "compiled language "+s.ID+" needs compileCmd and binaryFile")
			}
			adapters[s.ID] = &compiledAdapter{spec: s, eng: eng, cfg: cfg, metrics: metrics}
		case KindInterpreted:
			adapters[s.ID] = &interpretedAdapter{spec: s, metrics: metrics}
		default:
			return nil, appErr.ValidationError("language.kind", fmt.Sprintf("unknown kind %q for %s", s.Kind, s.ID))
		}
	}
	return &Registry{adapters: adapters}, nil
}

// Resolve returns the adapter for a language tag.
func (r *Registry) Resolve(id string) (Adapter, error) {
	if id == "" {
		return nil, appErr.ValidationError("language", "required")
	}
	a, ok := r.adapters[id]
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
	}
	return a, nil
}

// Languages lists the supported tags in sorted order.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Toolchains maps each language to the executables it depends on.
func (r *Registry) Toolchains() map[string][]string {
	out := make(map[string][]string, len(r.adapters))
	for id, a := range r.adapters {
		out[id] = a.Toolchain()
	}
	return out
}
