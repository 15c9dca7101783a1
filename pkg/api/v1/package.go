package v1

import "time"

// PackageStateValue enumerates execution package states.
type PackageStateValue string

const (
	PackageRunning   PackageStateValue = "running"
	PackageStopping  PackageStateValue = "stopping"
	PackageStopped   PackageStateValue = "stopped"
	PackagePausing   PackageStateValue = "pausing"
	PackagePaused    PackageStateValue = "paused"
	PackageUndefined PackageStateValue = "undefined"
)

// PackageStateData is the payload of the PackageState event.
type PackageStateData struct {
	PackageID string            `json:"packageId"`
	State     PackageStateValue `json:"state"`
}

// PackageInfoData is the payload of the PackageInfo event.
type PackageInfoData struct {
	PackageID   string    `json:"packageId"`
	PackageName string    `json:"packageName"`
	ProjectID   string    `json:"projectId,omitempty"`
	Temporary   bool      `json:"temporary,omitempty"`
	Started     time.Time `json:"started,omitempty"`
}

// PackageSummary is a stored package listing entry.
type PackageSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId,omitempty"`
	Created   time.Time `json:"created,omitempty"`
	Executed  time.Time `json:"executed,omitempty"`
}

// ActionStateBeforeData is the payload of the ActionStateBefore event.
type ActionStateBeforeData struct {
	ActionID   string   `json:"actionId"`
	Parameters []string `json:"parameters,omitempty"`
}

// ActionStateAfterData is the payload of the ActionStateAfter event.
type ActionStateAfterData struct {
	ActionID string   `json:"actionId"`
	Results  []string `json:"results,omitempty"`
}

// ProjectExceptionData is the payload of the ProjectException event.
type ProjectExceptionData struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Handled bool   `json:"handled,omitempty"`
}

// ShowMainScreenWhat enumerates the main-screen views.
type ShowMainScreenWhat string

const (
	ScenesList   ShowMainScreenWhat = "ScenesList"
	ProjectsList ShowMainScreenWhat = "ProjectsList"
	PackagesList ShowMainScreenWhat = "PackagesList"
)

// ShowMainScreenData is the payload of the ShowMainScreen event.
type ShowMainScreenData struct {
	What      ShowMainScreenWhat `json:"what"`
	Highlight string             `json:"highlight,omitempty"`
}

// ProcessStateValue enumerates long-running hub process states.
type ProcessStateValue string

const (
	ProcessStarted  ProcessStateValue = "Started"
	ProcessFinished ProcessStateValue = "Finished"
	ProcessFailed   ProcessStateValue = "Failed"
)

// ProcessStateData is the payload of the ProcessState event.
type ProcessStateData struct {
	ID      string            `json:"id"`
	State   ProcessStateValue `json:"state"`
	Message string            `json:"message,omitempty"`
}

// ObjectsLockedData is the payload of ObjectsLocked/ObjectsUnlocked.
type ObjectsLockedData struct {
	ObjectIDs []string `json:"objectIds"`
	Owner     string   `json:"owner"`
}

// SystemInfoData is the response payload of SystemInfo.
type SystemInfoData struct {
	Version           string   `json:"version"`
	APIVersion        string   `json:"apiVersion"`
	SupportedRPCTypes []string `json:"supportedRpcRequests"`
}
