package models

// TerminalSettings are the values the driver receives from its host at init
// time and passes to every session.
type TerminalSettings struct {
	Host        string
	Port        int
	Currency    int
	Country     int
	SourceID    string
	KioskNumber int
}
