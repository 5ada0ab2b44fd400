package entity

// Validator is one validation rule of a task field.
type Validator struct {
	Kind       ValidatorKind `json:"kind"`
	Constraint string        `json:"constraint,omitempty"`
}

// TaskField is a single input or display element of a task form.
type TaskField struct {
	FieldID        string      `json:"field_id"`
	Type           DataType    `json:"type"`
	Order          int         `json:"order"`
	Label          string      `json:"label,omitempty"`
	Value          *string     `json:"value,omitempty"`
	DisplayVariant TextVariant `json:"display_variant,omitempty"`
	Encrypted      bool        `json:"encrypted"`
	Validators     []Validator `json:"validators,omitempty"`
}

// Task is the cached form state of a task within a workflow instance.
// ExchangeID, when set, addresses one runtime occurrence of the task and
// takes precedence over (InstanceID, TaskID) on the wire.
type Task struct {
	InstanceID string      `json:"instance_id"`
	TaskID     string      `json:"task_id"`
	ExchangeID string      `json:"exchange_id,omitempty"`
	Fields     []TaskField `json:"fields,omitempty"`
	Status     TaskStatus  `json:"status"`
}

// Field returns a pointer to the field with the given id, for in-place edits.
func (t *Task) Field(fieldID string) (*TaskField, bool) {
	for i := range t.Fields {
		if t.Fields[i].FieldID == fieldID {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// Apply copies the values of a change onto the matching fields. Values for
// unknown field ids are returned so the caller can report them.
func (t *Task) Apply(changes []FieldChange) (unknown []string) {
	for _, c := range changes {
		f, ok := t.Field(c.FieldID)
		if !ok {
			unknown = append(unknown, c.FieldID)
			continue
		}
		v := c.Value
		f.Value = &v
	}
	return unknown
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Fields != nil {
		c.Fields = make([]TaskField, len(t.Fields))
		for i, f := range t.Fields {
			fc := f
			if f.Value != nil {
				v := *f.Value
				fc.Value = &v
			}
			if f.Validators != nil {
				fc.Validators = append([]Validator(nil), f.Validators...)
			}
			c.Fields[i] = fc
		}
	}
	return &c
}

// FieldChange is a new value for one field.
type FieldChange struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// TaskChange is a caller-supplied edit to one task.
type TaskChange struct {
	InstanceID string        `json:"instance_id"`
	TaskID     string        `json:"task_id"`
	ExchangeID string        `json:"exchange_id,omitempty"`
	Fields     []FieldChange `json:"fields"`
}
