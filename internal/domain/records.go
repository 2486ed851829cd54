package domain

import "time"

// MaintenanceRecord is the immutable audit row written for every maintenance add.
type MaintenanceRecord struct {
	ID                int64
	PositionID        int64
	Symbol            string
	Side              Side
	TriggerProfitRate float64 // Profit rate that triggered the add
	AddSize           float64
	AddPrice          float64
	ResultingAvgPrice float64
	ResultingSize     float64
	MaintenanceCount  int // Count after this add
	ClientOrderID     string
	CreatedAt         time.Time
}

// CloseRecord is written for every confirmed (partial or full) close.
type CloseRecord struct {
	ID            int64
	PositionID    int64
	Symbol        string
	Side          Side
	ClosedSize    float64
	Price         float64
	EntryPrice    float64
	RealizedPNL   float64 // Estimated from entry vs. fill price
	RemainingSize float64
	Reason        CloseReason
	CreatedAt     time.Time
}

// Advisory is a fire-and-forget message for the advisory sink.
type Advisory struct {
	Event   string // strength | open | close | maintenance | report
	Title   string
	Message string
	Fields  map[string]interface{}
}
