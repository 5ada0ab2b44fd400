package bridge

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rexsync/rexsync/pkg/entity"
)

// payloadValidator checks that engine responses carry the fields this package
// depends on. A failed check is a contract violation.
var payloadValidator = validator.New()

type metaDataPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type instancePayload struct {
	IID      string            `json:"iid" validate:"required"`
	Status   string            `json:"iid_status"`
	MetaData []metaDataPayload `json:"meta_data"`
}

type getInstancesPayload struct {
	DID     string             `json:"did"`
	IIDList []*instancePayload `json:"iid_list" validate:"required,dive,required"`
}

type getInstancesData struct {
	GetInstances *getInstancesPayload `json:"getInstances" validate:"required"`
}

type createInstancePayload struct {
	DID    string `json:"did" validate:"required"`
	IID    string `json:"iid" validate:"required"`
	Status string `json:"status"`
}

type createInstanceData struct {
	CreateInstance *createInstancePayload `json:"createInstance" validate:"required"`
}

type cancelInstancePayload struct {
	DID       string `json:"did"`
	IID       string `json:"iid"`
	IIDStatus string `json:"iid_status"`
	Status    string `json:"status" validate:"required"`
}

type cancelInstanceData struct {
	CancelInstance *cancelInstancePayload `json:"cancelInstance" validate:"required"`
}

type validatorPayload struct {
	Type       string  `json:"type" validate:"required"`
	Constraint *string `json:"constraint"`
}

type fieldPayload struct {
	DataID     string             `json:"dataId" validate:"required"`
	Type       string             `json:"type" validate:"required"`
	Order      int                `json:"order"`
	Label      *string            `json:"label"`
	Data       *string            `json:"data"`
	Variant    *string            `json:"variant"`
	Encrypted  *bool              `json:"encrypted"`
	Validators []validatorPayload `json:"validators" validate:"dive"`
}

type formPayload struct {
	XID    string          `json:"xid"`
	IID    string          `json:"iid" validate:"required"`
	TID    string          `json:"tid" validate:"required"`
	Status string          `json:"status"`
	Fields []*fieldPayload `json:"fields" validate:"required,dive,required"`
}

type validatorResultPayload struct {
	Passed  *bool   `json:"passed" validate:"required"`
	Message *string `json:"message"`
}

type fieldResultPayload struct {
	DataID  string                    `json:"dataId" validate:"required"`
	Passed  *bool                     `json:"passed" validate:"required"`
	Results []*validatorResultPayload `json:"results" validate:"dive,required"`
}

// validatedPayload answers both validate and save mutations.
type validatedPayload struct {
	XID     string                `json:"xid"`
	IID     string                `json:"iid"`
	TID     string                `json:"tid"`
	Status  string                `json:"status" validate:"required"`
	Passed  *bool                 `json:"passed"`
	Results []*fieldResultPayload `json:"results" validate:"dive,required"`
}

type completePayload struct {
	XID    string `json:"xid"`
	IID    string `json:"iid"`
	TID    string `json:"tid"`
	Status string `json:"status" validate:"required"`
}

// taskOps mirrors the nested "tasks" (and "tasks.exchange") selection.
type taskOps struct {
	Form     *formPayload      `json:"form"`
	Validate *validatedPayload `json:"validate"`
	Save     *validatedPayload `json:"save"`
	Complete *completePayload  `json:"complete"`
	Exchange *taskOps          `json:"exchange"`
}

type tasksData struct {
	Tasks *taskOps `json:"tasks" validate:"required"`
}

func checkPayload(operation string, v any) error {
	if err := payloadValidator.Struct(v); err != nil {
		return &ContractViolationError{Operation: operation, Detail: "missing required response fields", Cause: err}
	}
	return nil
}

// selectOps returns the nested selection for the addressing mode.
func (d *tasksData) selectOps(operation string, exchange bool) (*taskOps, error) {
	if !exchange {
		return d.Tasks, nil
	}
	if d.Tasks.Exchange == nil {
		return nil, &ContractViolationError{Operation: operation, Detail: "missing tasks.exchange in response"}
	}
	return d.Tasks.Exchange, nil
}

func (p *formPayload) toTask() *entity.Task {
	task := &entity.Task{
		InstanceID: p.IID,
		TaskID:     p.TID,
		ExchangeID: p.XID,
		Status:     entity.TaskUp,
		Fields:     make([]entity.TaskField, 0, len(p.Fields)),
	}
	for _, f := range p.Fields {
		field := entity.TaskField{
			FieldID: f.DataID,
			Type:    entity.DataType(strings.ToUpper(f.Type)),
			Order:   f.Order,
			Value:   f.Data,
		}
		if f.Label != nil {
			field.Label = *f.Label
		}
		if f.Variant != nil {
			field.DisplayVariant = entity.TextVariant(strings.ToUpper(*f.Variant))
		}
		if f.Encrypted != nil {
			field.Encrypted = *f.Encrypted
		}
		for _, v := range f.Validators {
			val := entity.Validator{Kind: entity.ValidatorKind(strings.ToUpper(v.Type))}
			if v.Constraint != nil {
				val.Constraint = *v.Constraint
			}
			field.Validators = append(field.Validators, val)
		}
		task.Fields = append(task.Fields, field)
	}
	return task
}

func (p *instancePayload) toInfo() entity.InstanceInfo {
	info := entity.InstanceInfo{
		InstanceID: p.IID,
		Status:     entity.ParseWorkflowStatus(p.Status),
	}
	for _, md := range p.MetaData {
		info.Metadata = append(info.Metadata, entity.MetaData{Key: md.Key, Value: md.Value})
	}
	return info
}

func (p *validatedPayload) String() string {
	passed := "unknown"
	if p.Passed != nil {
		passed = fmt.Sprintf("%t", *p.Passed)
	}
	return fmt.Sprintf("iid=%s tid=%s status=%s passed=%s", p.IID, p.TID, p.Status, passed)
}

func (p *completePayload) String() string {
	return fmt.Sprintf("iid=%s tid=%s status=%s", p.IID, p.TID, p.Status)
}

// validationDetail collects every failed validator of every failed field.
// The engine does not report which validator failed, so REGEX is assumed.
func (p *validatedPayload) validationDetail(instanceID, taskID string) entity.ErrorDetail {
	detail := entity.NewValidationErrorDetail(instanceID, taskID)
	for _, field := range p.Results {
		if *field.Passed {
			continue
		}
		for _, res := range field.Results {
			if *res.Passed {
				continue
			}
			msg := ""
			if res.Message != nil {
				msg = *res.Message
			}
			detail.AddFieldError(field.DataID, msg, entity.Validator{Kind: entity.ValidatorRegex})
		}
	}
	return detail
}

// classify turns one validate/save answer into a success or an error entry.
func (p *validatedPayload) classify(task *entity.Task, result *entity.TaskOperationResult) {
	switch {
	case entity.OperationStatus(p.Status) != entity.OperationSuccess:
		result.AddError(task.InstanceID, task.TaskID, p.String())
	case p.Passed == nil || !*p.Passed:
		result.Errors = append(result.Errors, p.validationDetail(task.InstanceID, task.TaskID))
	default:
		result.Successful = append(result.Successful, task)
	}
}
