package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the on-disk shape of a catalog fixture.
type Seed struct {
	Users   []User   `yaml:"users"`
	Courses []Course `yaml:"courses"`
}

// DecodeSeed parses a YAML catalog fixture and validates enum fields.
func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode catalog seed: %w", err)
	}
	for _, u := range s.Users {
		if u.ID == "" {
			return Seed{}, fmt.Errorf("catalog seed: user without id")
		}
		if !u.Role.Valid() {
			return Seed{}, fmt.Errorf("catalog seed: user %s has unknown role %q", u.ID, u.Role)
		}
		if !u.Status.Valid() {
			return Seed{}, fmt.Errorf("catalog seed: user %s has unknown status %q", u.ID, u.Status)
		}
	}
	for _, c := range s.Courses {
		if c.ID == "" {
			return Seed{}, fmt.Errorf("catalog seed: course without id")
		}
		if !c.Status.Valid() {
			return Seed{}, fmt.Errorf("catalog seed: course %s: %w: %q", c.ID, ErrInvalidStatus, c.Status)
		}
		if c.Occupied > c.Capacity {
			return Seed{}, fmt.Errorf("catalog seed: course %s occupied %d exceeds capacity %d", c.ID, c.Occupied, c.Capacity)
		}
	}
	return s, nil
}

// Load copies every seed entry into the directory.
func (d *InMemory) Load(s Seed) {
	for _, u := range s.Users {
		d.PutUser(u)
	}
	for _, c := range s.Courses {
		d.PutCourse(c)
	}
}

// LoadFile reads a YAML fixture from path into the directory.
func (d *InMemory) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s, err := DecodeSeed(f)
	if err != nil {
		return err
	}
	d.Load(s)
	return nil
}
