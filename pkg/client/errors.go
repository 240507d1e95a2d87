package client

import "errors"

// Process / pipe errors (NewClient)
var (
	ErrStdinPipe  = errors.New("get stdin pipe")
	ErrStdoutPipe = errors.New("get stdout pipe")
	ErrStderrPipe = errors.New("get stderr pipe")
	ErrStartProc  = errors.New("start toolgate")
)

// Request lifecycle errors (sendRequestCtx, startReader)
var (
	ErrClientClosed    = errors.New("client is closed")
	ErrMarshalRequest  = errors.New("marshal request")
	ErrWriteRequest    = errors.New("write request")
	ErrConnectionClose = errors.New("connection closed")
)

// Result parsing errors
var (
	ErrParseTurnResult    = errors.New("parse turn result")
	ErrParseCallResult    = errors.New("parse tool.call result")
	ErrParsePendingResult = errors.New("parse confirm.pending result")
	ErrParseRuleResult    = errors.New("parse rule result")
	ErrParseBudgetResult  = errors.New("parse budget.status result")
	ErrParseCatalogResult = errors.New("parse tool.catalog result")
)

// Close errors
var ErrCloseTimeout = errors.New("close timed out, process killed")
