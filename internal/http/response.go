package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Cell is the wire form of one clustering-keyed value.
type Cell struct {
	Clustering string `json:"clustering"`
	Value      string `json:"value"`
	Timestamp  int64  `json:"timestamp"`
}

// Response represents the standard API response format.
type Response struct {
	Status    Status   `json:"status,omitempty"`
	Cells     []Cell   `json:"cells,omitempty"`
	Snapshots []string `json:"snapshots,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewCellsResponse(cells []Cell) Response {
	return Response{Status: StatusSuccess, Cells: cells}
}

func NewSnapshotsResponse(names []string) Response {
	return Response{Status: StatusSuccess, Snapshots: names}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
