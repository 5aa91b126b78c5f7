package domain

import "encoding/json"

// VisibilityKind tags a Visibility value.
type VisibilityKind uint8

const (
	VisibilityPublic VisibilityKind = iota
	VisibilityOwned
)

// Visibility is either Public or OwnedBy a single subject.
type Visibility struct {
	kind  VisibilityKind
	owner string
}

// Public returns the visibility of an item nobody owns.
func Public() Visibility {
	return Visibility{kind: VisibilityPublic}
}

// OwnedBy returns the visibility of an item owned by subject. An empty subject
// yields Public.
func OwnedBy(subject string) Visibility {
	if subject == "" {
		return Public()
	}
	return Visibility{kind: VisibilityOwned, owner: subject}
}

func (v Visibility) Kind() VisibilityKind { return v.kind }

// Owner returns the owning subject, ok is false for public items.
func (v Visibility) Owner() (string, bool) {
	if v.kind != VisibilityOwned {
		return "", false
	}
	return v.owner, true
}

func (v Visibility) IsPublic() bool { return v.kind == VisibilityPublic }

// Caller is the resolved identity of whoever issued a request.
type Caller struct {
	subject string
}

// Anonymous is a caller that presented no token.
func Anonymous() Caller { return Caller{} }

// Authenticated is a caller whose token resolved to subject.
func Authenticated(subject string) Caller { return Caller{subject: subject} }

// Subject returns the caller's subject, ok is false for anonymous callers.
func (c Caller) Subject() (string, bool) {
	return c.subject, c.subject != ""
}

func (c Caller) IsAnonymous() bool { return c.subject == "" }

// Todo is a single to-do item.
type Todo struct {
	ID         string
	Task       string
	Completed  bool
	CreatedAt  int64 // epoch milliseconds
	Visibility Visibility
}

// VisibleTo reports whether c may read the item.
func (t Todo) VisibleTo(c Caller) bool {
	switch t.Visibility.Kind() {
	case VisibilityPublic:
		return true
	case VisibilityOwned:
		sub, ok := c.Subject()
		return ok && sub == t.Visibility.owner
	}
	return false
}

// MutableBy reports whether c may change or delete the item. Public items are
// read-only.
func (t Todo) MutableBy(c Caller) bool {
	switch t.Visibility.Kind() {
	case VisibilityPublic:
		return false
	case VisibilityOwned:
		sub, ok := c.Subject()
		return ok && sub == t.Visibility.owner
	}
	return false
}

type todoJSON struct {
	ID        string `json:"id"`
	Task      string `json:"task"`
	Completed bool   `json:"completed"`
	CreatedAt int64  `json:"createdAt"`
	OwnerID   string `json:"ownerId,omitempty"`
}

// MarshalJSON encodes the item in its wire form; ownerId is omitted for
// public items.
func (t Todo) MarshalJSON() ([]byte, error) {
	owner, _ := t.Visibility.Owner()
	return json.Marshal(todoJSON{
		ID:        t.ID,
		Task:      t.Task,
		Completed: t.Completed,
		CreatedAt: t.CreatedAt,
		OwnerID:   owner,
	})
}

func (t *Todo) UnmarshalJSON(data []byte) error {
	var raw todoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Todo{
		ID:         raw.ID,
		Task:       raw.Task,
		Completed:  raw.Completed,
		CreatedAt:  raw.CreatedAt,
		Visibility: OwnedBy(raw.OwnerID),
	}
	return nil
}
