package main

import "errors"

// Gate assembly errors
var (
	ErrLoadConfig    = errors.New("load config")
	ErrCreateDataDir = errors.New("create data dir")
	ErrOpenSnapshots = errors.New("open snapshot store")
	ErrOpenRuleStore = errors.New("open rule store")
	ErrListRules     = errors.New("list persisted rules")
	ErrSeedRules     = errors.New("seed rule log")
	ErrReplaySession = errors.New("replay session journal")
	ErrOpenJournal   = errors.New("open session journal")
	ErrBuildExecutor = errors.New("build executor")
)

// Serve errors
var (
	ErrServe = errors.New("serve")
)

// Call errors
var (
	ErrBadCallArgs = errors.New("bad call arguments")
	ErrCallFailed  = errors.New("tool call")
)
