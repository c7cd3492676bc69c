package strategy

type State string

type Event string

const (
	StateIdle    State = "IDLE"
	StateEnter   State = "ENTER"
	StateHedgeOK State = "HEDGE_OK"
	StateExit    State = "EXIT"
)

const (
	EventEnter   Event = "ENTER"
	EventHedgeOK Event = "HEDGE_OK"
	EventExit    Event = "EXIT"
	EventDone    Event = "DONE"
	EventFailed  Event = "FAILED"
)

type Action string

const (
	ActionNone  Action = "none"
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
)

// Quote is one venue's view of a symbol. FundingRate is per funding
// interval; a positive rate means longs pay shorts.
type Quote struct {
	Venue       string
	MarkPrice   float64
	FundingRate float64
	// AvailableUSD is free collateral on the venue.
	AvailableUSD float64
}

type MarketSnapshot struct {
	Symbol      string
	Quotes      [2]Quote
	NotionalUSD float64
	// OpenTrade is set when a hedge is already held for Symbol.
	OpenTrade  bool
	LongVenue  string
	ShortVenue string
	OpenTrades int
	// Exposure is the bot's total open notional across symbols.
	ExposureUSD float64
}

// Params are the strategy knobs from configuration.
type Params struct {
	MinSpread   float64
	ExitSpread  float64
	FeeBps      float64
	SlippageBps float64
	// HoldPeriods is how many funding intervals an entry is expected to earn.
	HoldPeriods float64
}

type Decision struct {
	Action Action
	// Long and Short index Quotes.
	Long    int
	Short   int
	Spread  float64
	NetUSD  float64
	CostUSD float64
	Reason  string
}
