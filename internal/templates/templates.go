package templates

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/connpro/orchestrator/internal/db"
	"github.com/connpro/orchestrator/internal/job"
)

const (
	namespace = "connpro/"
	keyPrefix = "templates/"
)

var (
	ErrNotFound  = errors.New("template not found")
	ErrInvalidID = errors.New("invalid template id")
)

type Template struct {
	ID      string `json:"id"`
	Body    string `json:"body"`
	Builtin bool   `json:"builtin"`
}

var defaults = map[string]string{
	"default":    "Hi [Name], I noticed your profile and would like to connect. I work in [Industry] at [Company] and thought we might benefit from networking.",
	"recruiter":  "Hi [Name], I'm a recruiter at [Company] specializing in [Industry] roles. I'd love to connect and keep you updated on opportunities that match your expertise.",
	"sales":      "Hi [Name], I noticed your work in [Industry] at [Company]. I help professionals like you with [Value Proposition]. Would you be open to connecting?",
	"networking": "Hi [Name], I'm expanding my professional network in the [Industry] space and your profile caught my attention. I'd be happy to connect and share insights.",
}

// Registry serves the built-in templates plus anything saved in the store.
// A saved template with a built-in id overrides it; deleting it restores
// the built-in body.
type Registry struct {
	store *db.Store
}

func NewRegistry(store *db.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) Get(id string) (Template, error) {
	var body string
	err := r.store.GetJSON(namespace, keyPrefix+id, &body)
	switch {
	case err == nil:
		_, builtin := defaults[id]
		return Template{ID: id, Body: body, Builtin: builtin}, nil
	case !errors.Is(err, db.ErrNotFound):
		return Template{}, fmt.Errorf("get template %s: %w", id, err)
	}

	if body, ok := defaults[id]; ok {
		return Template{ID: id, Body: body, Builtin: true}, nil
	}
	return Template{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// List returns every template sorted by id.
func (r *Registry) List() ([]Template, error) {
	keys, err := r.store.List(namespace, keyPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	ids := make([]string, 0, len(defaults)+len(keys))
	for id := range defaults {
		ids = append(ids, id)
	}
	for _, k := range keys {
		id := strings.TrimPrefix(k, keyPrefix)
		if _, ok := defaults[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		t, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) Put(id, body string) (Template, error) {
	if id == "" || strings.ContainsAny(id, "/ ") {
		return Template{}, fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	if err := r.store.SetJSON(namespace, keyPrefix+id, body); err != nil {
		return Template{}, fmt.Errorf("save template %s: %w", id, err)
	}
	_, builtin := defaults[id]
	return Template{ID: id, Body: body, Builtin: builtin}, nil
}

func (r *Registry) Delete(id string) error {
	if _, err := r.store.Get(namespace, keyPrefix+id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			if _, ok := defaults[id]; ok {
				return nil
			}
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	return r.store.Delete(namespace, keyPrefix+id)
}

// Render fills the [Name]-style placeholders the built-in templates use.
// Unknown placeholders are left as they are.
func Render(body string, p job.Profile) string {
	return strings.NewReplacer(
		"[Name]", p.Name,
		"[Company]", p.Company,
		"[Headline]", p.Headline,
		"[Industry]", p.Industry,
	).Replace(body)
}
