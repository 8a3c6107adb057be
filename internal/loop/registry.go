package loop

import "fmt"

// Registry holds loops in creation order and tracks the selected loop.
//
// Not safe for concurrent use: owned by the engine's run loop. Values
// returned by Get and List are safe to hand to other goroutines.
type Registry struct {
	loops    []*Loop
	index    map[string]*Loop
	selected string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]*Loop)}
}

// Add registers a loop under a backend-assigned id. New loops are active
// and empty.
func (r *Registry) Add(id, name string) (Loop, error) {
	return r.insert(Loop{ID: id, Name: name, Active: true})
}

// Restore registers a previously journaled loop, keeping its flags and
// events.
func (r *Registry) Restore(l Loop) error {
	_, err := r.insert(l)
	return err
}

func (r *Registry) insert(l Loop) (Loop, error) {
	if l.ID == "" {
		return Loop{}, ErrEmptyID
	}
	if _, ok := r.index[l.ID]; ok {
		return Loop{}, fmt.Errorf("%w: %s", ErrDuplicateLoop, l.ID)
	}
	l.Name = NormalizeName(l.Name)
	l.Events = append([]Event{}, l.Events...)
	r.loops = append(r.loops, &l)
	r.index[l.ID] = &l
	return l, nil
}

// Remove deletes a loop. If it was selected the selection is cleared and
// wasSelected is true; the caller must discard the recording session.
func (r *Registry) Remove(id string) (wasSelected bool, err error) {
	if _, ok := r.index[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}
	delete(r.index, id)
	for i, l := range r.loops {
		if l.ID == id {
			r.loops = append(r.loops[:i:i], r.loops[i+1:]...)
			break
		}
	}
	if r.selected == id {
		r.selected = ""
		return true, nil
	}
	return false, nil
}

// Clear replaces a loop's events with an empty sequence. Selection and any
// open recording session are unaffected.
func (r *Registry) Clear(id string) error {
	l, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}
	l.Events = []Event{}
	return nil
}

// SetActive sets the audibility flag.
func (r *Registry) SetActive(id string, active bool) error {
	l, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}
	l.Active = active
	return nil
}

// Append adds events to the end of a loop in one step.
func (r *Registry) Append(id string, events []Event) error {
	l, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}
	if len(events) == 0 {
		return nil
	}
	next := make([]Event, 0, len(l.Events)+len(events))
	next = append(next, l.Events...)
	next = append(next, events...)
	l.Events = next
	return nil
}

// Select marks a loop as the recording target.
func (r *Registry) Select(id string) error {
	if _, ok := r.index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}
	r.selected = id
	return nil
}

// Deselect clears the selection and returns the previously selected id.
func (r *Registry) Deselect() string {
	prev := r.selected
	r.selected = ""
	return prev
}

// Selected returns the selected loop id, or "".
func (r *Registry) Selected() string {
	return r.selected
}

// Get returns a copy of a loop.
func (r *Registry) Get(id string) (Loop, bool) {
	l, ok := r.index[id]
	if !ok {
		return Loop{}, false
	}
	return *l, true
}

// Has reports whether a loop exists.
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// List returns copies of all loops in creation order.
func (r *Registry) List() []Loop {
	out := make([]Loop, len(r.loops))
	for i, l := range r.loops {
		out[i] = *l
	}
	return out
}

// Len returns the number of loops.
func (r *Registry) Len() int {
	return len(r.loops)
}
