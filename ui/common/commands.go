package common

type SessionState uint

const (
	DeadLettersView SessionState = iota
	StatsView
)
