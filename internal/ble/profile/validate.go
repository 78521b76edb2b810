package profile

import (
	"sort"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// GattStructure is the discovered services-and-characteristics tree of a
// peripheral. Keys are normalised UUIDs. The zero value is not usable; use
// NewGattStructure.
type GattStructure struct {
	Services map[string]map[string]ble.Property
}

func NewGattStructure() GattStructure {
	return GattStructure{Services: make(map[string]map[string]ble.Property)}
}

// AddService records a discovered service.
func (g GattStructure) AddService(uuid string) {
	uuid = ble.NormalizeUUID(uuid)
	if _, ok := g.Services[uuid]; !ok {
		g.Services[uuid] = make(map[string]ble.Property)
	}
}

// AddCharacteristic records a characteristic under service, adding the
// service if needed.
func (g GattStructure) AddCharacteristic(service string, c ble.CharacteristicInfo) {
	service = ble.NormalizeUUID(service)
	g.AddService(service)
	g.Services[service][ble.NormalizeUUID(c.UUID)] |= c.Properties
}

// Validate reports whether d contains every required service of p and,
// under each, every required characteristic. Extra services and
// characteristics are ignored and properties are not compared.
func Validate(p *Profile, d GattStructure) bool {
	return len(missing(p, d, false)) == 0
}

// ValidateStrict is Validate that additionally requires each discovered
// characteristic to advertise all of its required properties.
func ValidateStrict(p *Profile, d GattStructure) bool {
	return len(missing(p, d, true)) == 0
}

// Missing lists what keeps d from validating against p, as "service" or
// "service/characteristic" strings, sorted.
func Missing(p *Profile, d GattStructure, strict bool) []string {
	out := missing(p, d, strict)
	sort.Strings(out)
	return out
}

func missing(p *Profile, d GattStructure, strict bool) []string {
	var out []string
	for _, svc := range p.services {
		found, ok := d.Services[svc.UUID]
		if !ok {
			out = append(out, svc.UUID)
			continue
		}
		for _, c := range svc.Characteristics {
			props, ok := found[c.UUID]
			if !ok || (strict && !props.Has(c.Properties)) {
				out = append(out, svc.UUID+"/"+c.UUID)
			}
		}
	}
	return out
}
