package capability

import "errors"

var (
	ErrLoadAgents = errors.New("load agent definitions")
)
