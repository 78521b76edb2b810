// Package profile holds the static Profile Specification a sensor must expose
// and the validation engine that checks a discovered GATT structure against it.
package profile

import (
	"errors"
	"fmt"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// ErrUnknownCharacteristic is returned for lookups of characteristics the
// profile does not require.
var ErrUnknownCharacteristic = errors.New("profile: unknown characteristic")

// CharacteristicSpec is one required characteristic.
type CharacteristicSpec struct {
	UUID       string
	Name       string
	Properties ble.Property
	// Stream marks the notifying characteristic that carries telemetry.
	Stream bool
}

// Service is one required service and its characteristics.
type Service struct {
	UUID            string
	Name            string
	Characteristics []CharacteristicSpec
}

// Profile is an immutable, ordered set of required services. It is safe for
// concurrent use.
type Profile struct {
	services  []Service
	byService map[string]int
	byChar    map[string]charRef
	stream    string
}

type charRef struct {
	service int
	index   int
}

// New builds a Profile. UUIDs are normalised; duplicates are rejected.
func New(services ...Service) (*Profile, error) {
	p := &Profile{
		byService: make(map[string]int, len(services)),
		byChar:    make(map[string]charRef),
	}
	for _, svc := range services {
		id, err := ble.ParseUUID(svc.UUID)
		if err != nil {
			return nil, fmt.Errorf("profile: service %q: %w", svc.Name, err)
		}
		if _, dup := p.byService[id]; dup {
			return nil, fmt.Errorf("profile: duplicate service %s", id)
		}
		out := Service{UUID: id, Name: svc.Name}
		si := len(p.services)
		for _, c := range svc.Characteristics {
			cid, err := ble.ParseUUID(c.UUID)
			if err != nil {
				return nil, fmt.Errorf("profile: characteristic %q: %w", c.Name, err)
			}
			if _, dup := p.byChar[cid]; dup {
				return nil, fmt.Errorf("profile: duplicate characteristic %s", cid)
			}
			if c.Stream {
				if !c.Properties.Has(ble.PropNotify) {
					return nil, fmt.Errorf("profile: stream characteristic %s must require notify", cid)
				}
				if p.stream != "" {
					return nil, fmt.Errorf("profile: more than one stream characteristic")
				}
				p.stream = cid
			}
			c.UUID = cid
			p.byChar[cid] = charRef{service: si, index: len(out.Characteristics)}
			out.Characteristics = append(out.Characteristics, c)
		}
		p.byService[id] = si
		p.services = append(p.services, out)
	}
	return p, nil
}

// MustNew is New for static tables; it panics on error.
func MustNew(services ...Service) *Profile {
	p, err := New(services...)
	if err != nil {
		panic(err)
	}
	return p
}

// Services returns a copy of the required services in declaration order.
func (p *Profile) Services() []Service {
	out := make([]Service, len(p.services))
	for i, s := range p.services {
		out[i] = Service{
			UUID:            s.UUID,
			Name:            s.Name,
			Characteristics: append([]CharacteristicSpec(nil), s.Characteristics...),
		}
	}
	return out
}

// AllServiceUUIDs returns every required service UUID in order.
func (p *Profile) AllServiceUUIDs() []string {
	out := make([]string, len(p.services))
	for i, s := range p.services {
		out[i] = s.UUID
	}
	return out
}

// HasService reports whether uuid is a required service.
func (p *Profile) HasService(uuid string) bool {
	_, ok := p.byService[ble.NormalizeUUID(uuid)]
	return ok
}

// CharacteristicUUIDs returns the required characteristic UUIDs of a
// service, or nil if the service is not part of the profile.
func (p *Profile) CharacteristicUUIDs(service string) []string {
	si, ok := p.byService[ble.NormalizeUUID(service)]
	if !ok {
		return nil
	}
	chars := p.services[si].Characteristics
	out := make([]string, len(chars))
	for i, c := range chars {
		out[i] = c.UUID
	}
	return out
}

// SpecFor returns the requirements for a characteristic.
func (p *Profile) SpecFor(characteristic string) (CharacteristicSpec, bool) {
	ref, ok := p.byChar[ble.NormalizeUUID(characteristic)]
	if !ok {
		return CharacteristicSpec{}, false
	}
	return p.services[ref.service].Characteristics[ref.index], true
}

// ServiceFor returns the service UUID that owns a characteristic.
func (p *Profile) ServiceFor(characteristic string) (string, error) {
	ref, ok := p.byChar[ble.NormalizeUUID(characteristic)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCharacteristic, characteristic)
	}
	return p.services[ref.service].UUID, nil
}

// StreamCharacteristic returns the telemetry characteristic, if the profile
// declares one.
func (p *Profile) StreamCharacteristic() (string, bool) {
	return p.stream, p.stream != ""
}

// Action is the post-validation setup step for a characteristic.
type Action int

const (
	ActionSubscribe Action = iota
	ActionRead
	ActionWritable
)

func (a Action) String() string {
	switch a {
	case ActionSubscribe:
		return "subscribe"
	case ActionRead:
		return "read"
	case ActionWritable:
		return "writable"
	default:
		return "unknown"
	}
}

// Actions derives setup steps from the required properties: notify or
// indicate subscribes, read reads once, write marks the characteristic as
// writable. Notifying characteristics are not read.
func (c CharacteristicSpec) Actions() []Action {
	var out []Action
	switch {
	case c.Properties&(ble.PropNotify|ble.PropIndicate) != 0:
		out = append(out, ActionSubscribe)
	case c.Properties.Has(ble.PropRead):
		out = append(out, ActionRead)
	}
	if c.Properties&(ble.PropWrite|ble.PropWriteWithoutResponse) != 0 {
		out = append(out, ActionWritable)
	}
	return out
}
