package main

const (
	taskKindAnalyze  = "analyze"
	taskKindGenerate = "generate"

	statusQueued     = "queued"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"

	errCodeWorkerCrash      = "WORKER_CRASH"
	errCodeFileMissing      = "FILE_NOT_FOUND_IN_STORAGE"
	errCodeNoCredentials    = "NO_API_CREDENTIALS"
	errCodeSafetyBlocked    = "SAFETY_BLOCKED"
	errCodePromptBlocked    = "PROMPT_BLOCKED_SAFETY"
	errCodeMalformed        = "MALFORMED_RESPONSE"
	errCodeExhausted        = "RETRY_BUDGET_EXHAUSTED"
	errCodeAnalysisFailed   = "ANALYSIS_ERROR"
	errCodeQuotaExceeded    = "API_QUOTA_EXCEEDED"
	errCodePermissionDenied = "API_PERMISSION_DENIED"
	errCodeInvalidArgument  = "GENERATOR_INVALID_ARGUMENT"
	errCodeGenerateFailed   = "GENERATION_ERROR"

	sourceUpload    = "upload"
	sourceGenerated = "generated"
	sourceImport    = "import"

	historyListKey    = "wsq:finished_task_ids"
	historyMetaPrefix = "wsq:task-meta-"
	maxTrackedTasks   = 200

	queueCapacity = 1024
)
