package access

import (
	"strings"

	"github.com/bitlair/Print-manager/internal/core"
)

// Directory maps iButton ids to the members they belong to.
type Directory struct {
	users    map[string]string
	fallback string
}

func NewDirectory(users map[string]string, fallback string) *Directory {
	d := &Directory{users: make(map[string]string, len(users)), fallback: fallback}
	for id, name := range users {
		d.users[strings.ToLower(id)] = name
	}
	return d
}

// Resolve never fails: unknown buttons map to the fallback username.
func (d *Directory) Resolve(deviceID string) core.UserRef {
	name, ok := d.users[strings.ToLower(deviceID)]
	if !ok || name == "" {
		name = d.fallback
	}
	return core.UserRef{ID: deviceID, Username: name}
}
