package demo

import (
	"sort"
	"strings"

	"github.com/vango-dev/shocked/internal/errors"
	"github.com/vango-dev/shocked/pkg/server"
)

// registrars maps demo names to the function registering them.
var registrars = map[string]func(*server.Service) error{
	"counter": func(svc *server.Service) error {
		return svc.RegisterTracker(CounterClass(NewCounters()), "Counter")
	},
	"todo": func(svc *server.Service) error {
		return svc.RegisterTracker(TodoClass(NewTodoLists()), "Todo")
	},
}

// Names returns the available demo names, sorted.
func Names() []string {
	names := make([]string, 0, len(registrars))
	for name := range registrars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register registers the named demos on svc. No names registers all of them.
func Register(svc *server.Service, names ...string) error {
	if len(names) == 0 {
		names = Names()
	}
	for _, name := range names {
		register, ok := registrars[strings.ToLower(name)]
		if !ok {
			return errors.New(errors.CodeUnknownDemo).WithField(name)
		}
		if err := register(svc); err != nil {
			return errors.New(errors.CodeRegisterTracker).WithField(name).Wrap(err)
		}
	}
	return nil
}

// resourceID returns the "id" creation parameter, falling back to the part
// of the group after the first ':' and then to the whole group.
func resourceID(b *server.Base) string {
	var p struct {
		ID string `json:"id"`
	}
	if err := b.BindParams(&p); err == nil && p.ID != "" {
		return p.ID
	}
	group := b.Group()
	if _, id, ok := strings.Cut(group, ":"); ok && id != "" {
		return id
	}
	return group
}
