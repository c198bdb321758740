package detect

import "github.com/rpaturu/cc-native-sub003/pkg/evidence"

// DefaultRegistry registers the built-in detector set.
func DefaultRegistry(ev evidence.Store, ttl TTLTable) (*Registry, error) {
	r := NewRegistry()
	detectors := []Detector{
		NewActivationDetector(ev, ttl),
		NewEngagementDetector(ev, ttl),
		NewDiscoveryDetector(ev, ttl),
		NewStakeholderDetector(ev, ttl),
		NewUsageDetector(ev, ttl),
		NewSupportDetector(ev, ttl),
		NewRenewalDetector(ev, ttl),
	}
	for _, d := range detectors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}
