package rules

import "errors"

var (
	ErrOpenStore     = errors.New("open rules store")
	ErrAppendRule    = errors.New("append rule")
	ErrListRules     = errors.New("list rules")
	ErrClearRules    = errors.New("clear rules")
	ErrOpenJournal   = errors.New("open session journal")
	ErrRecordJournal = errors.New("record journal entry")
	ErrReplayJournal = errors.New("replay session journal")
)
