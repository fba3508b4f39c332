package targets

import "github.com/nulpointcorp/powerproxy/internal/config"

// Registry is the read-only-after-startup set of Targets, iterated by the
// dispatch engine in declaration order (stable).
type Registry struct {
	targets []*Target
}

// Build derives a Registry from the loaded configuration. Declaration order
// is: mock target (if configured, exclusively) else, per endpoint in config
// order, either one plain endpoint target (no virtual deployments configured
// on that endpoint) or one standin target per (virtual deployment, standin)
// pair declared on that endpoint. An endpoint's virtual_deployments and its
// own direct passthrough never coexist: configuring standins on an endpoint
// replaces its plain target entirely.
func Build(cfg *config.Config) *Registry {
	if cfg.AOAI.MockResponse != nil {
		mr := cfg.AOAI.MockResponse
		return &Registry{targets: []*Target{{
			Kind:                 KindMock,
			NonStreamingFraction: 1,
			MockBody:             mr.Body,
			MockDelayMs:          mr.DelayMs,
		}}}
	}

	var list []*Target
	for _, ep := range cfg.AOAI.Endpoints {
		if len(ep.VirtualDeployments) == 0 {
			frac := 1.0
			if ep.NonStreamingFraction != nil {
				frac = *ep.NonStreamingFraction
			}
			list = append(list, &Target{
				Kind:                 KindEndpoint,
				EndpointName:         ep.Name,
				NonStreamingFraction: frac,
			})
			continue
		}
		for _, vd := range ep.VirtualDeployments {
			for _, sa := range vd.Standins {
				frac := 1.0
				if sa.NonStreamingFraction != nil {
					frac = *sa.NonStreamingFraction
				} else if ep.NonStreamingFraction != nil {
					frac = *ep.NonStreamingFraction
				}
				list = append(list, &Target{
					Kind:                 KindStandin,
					EndpointName:         ep.Name,
					VirtualDeployment:    vd.Name,
					StandinName:          sa.Name,
					NonStreamingFraction: frac,
				})
			}
		}
	}
	return &Registry{targets: list}
}

// All returns the fixed target list in declaration order. Callers must not
// mutate the returned slice.
func (r *Registry) All() []*Target { return r.targets }

// VirtualDeploymentNames returns the set of all virtual deployment names
// known to the registry, used by the dispatch engine's deployment-resolution
// validation.
func (r *Registry) VirtualDeploymentNames() map[string]bool {
	names := make(map[string]bool)
	for _, t := range r.targets {
		if t.Kind == KindStandin {
			names[t.VirtualDeployment] = true
		}
	}
	return names
}
