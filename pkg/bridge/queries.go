package bridge

// Operation names, used for spans, metrics and error messages.
const (
	opCreateInstance   = "createInstance"
	opGetInstances     = "getInstances"
	opGetWorkflow      = "getWorkflow"
	opCancelInstance   = "cancelInstance"
	opTaskForm         = "tasks.form"
	opTaskValidate     = "tasks.validate"
	opTaskSave         = "tasks.save"
	opTaskComplete     = "tasks.complete"
	opExchangeForm     = "tasks.exchange.form"
	opExchangeValidate = "tasks.exchange.validate"
	opExchangeSave     = "tasks.exchange.save"
	opExchangeComplete = "tasks.exchange.complete"
)

const startWorkflowMutation = `
mutation StartWorkflow($createWorkflow: CreateWorkflowInstanceInput!) {
  createInstance(input: $createWorkflow) {
    did
    iid
    status
    tasks
  }
}`

const cancelWorkflowMutation = `
mutation CancelWorkflow($cancelWorkflow: CancelWorkflowInstanceInput!) {
  cancelInstance(input: $cancelWorkflow) {
    did
    iid
    iid_status
    status
  }
}`

const getInstancesQuery = `
query GetInstances {
  getInstances {
    did
    iid_list {
      iid
      iid_status
      meta_data {
        key
        value
      }
    }
  }
}`

const getWorkflowQuery = `
query GetWorkflow($workflowInput: GetInstanceInput!) {
  getInstances(input: $workflowInput) {
    did
    iid_list {
      iid
      iid_status
      meta_data {
        key
        value
      }
    }
  }
}`

const fieldSelection = `
      fields {
        dataId
        type
        order
        label
        data
        variant
        encrypted
        validators {
          type
          constraint
        }
      }`

const resultSelection = `
      passed
      results {
        dataId
        passed
        results {
          passed
          message
        }
      }`

const getTaskDataQuery = `
mutation GetTaskData($formInput: TaskMutationFormInput!) {
  tasks {
    form(input: $formInput) {
      iid
      tid
      status` + fieldSelection + `
    }
  }
}`

const validateTaskDataMutation = `
mutation ValidateTaskData($validateTaskInput: TaskMutationValidateInput!) {
  tasks {
    validate(input: $validateTaskInput) {
      iid
      tid
      status` + resultSelection + `
    }
  }
}`

const saveTaskDataMutation = `
mutation SaveTaskData($saveTaskInput: TaskMutationSaveInput!) {
  tasks {
    save(input: $saveTaskInput) {
      iid
      tid
      status` + resultSelection + `
    }
  }
}`

const completeTaskMutation = `
mutation CompleteTask($completeTaskInput: TaskMutationCompleteInput!) {
  tasks {
    complete(input: $completeTaskInput) {
      iid
      tid
      status
    }
  }
}`

const getTaskExchangeDataQuery = `
mutation GetTaskExchangeData($formInput: TaskExchangeMutationFormInput!) {
  tasks {
    exchange {
      form(input: $formInput) {
        xid
        iid
        tid
        status` + fieldSelection + `
      }
    }
  }
}`

const validateTaskExchangeDataMutation = `
mutation ValidateTaskExchangeData($validateTaskInput: TaskExchangeMutationValidateInput!) {
  tasks {
    exchange {
      validate(input: $validateTaskInput) {
        xid
        iid
        tid
        status` + resultSelection + `
      }
    }
  }
}`

const saveTaskExchangeDataMutation = `
mutation SaveTaskExchangeData($saveTaskInput: TaskExchangeMutationSaveInput!) {
  tasks {
    exchange {
      save(input: $saveTaskInput) {
        xid
        iid
        tid
        status` + resultSelection + `
      }
    }
  }
}`

const completeTaskExchangeMutation = `
mutation CompleteTaskExchange($completeTaskInput: TaskExchangeMutationCompleteInput!) {
  tasks {
    exchange {
      complete(input: $completeTaskInput) {
        xid
        iid
        tid
        status
      }
    }
  }
}`
