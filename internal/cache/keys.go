package cache

import (
	"fmt"
	"time"
)

const (
	KeyCurrentReadings = "reading:current:all"
	KeyStatistics      = "reading:stats"
	KeyCityList        = "city:list"
	KeyAlertConfigsAll = "alertconfig:all"
	KeyAlertStatistics = "alert:stats"

	RecentAlertsPattern = "alert:recent:*"
	AllHistoryPattern   = "reading:history:*"
)

// TTLs per key family
const (
	TTLCurrentReadings = 5 * time.Minute
	TTLHistory         = 10 * time.Minute
	TTLStatistics      = 15 * time.Minute
	TTLAlertConfigs    = 30 * time.Minute
	TTLRecentAlerts    = 5 * time.Minute
	TTLAlertStatistics = 10 * time.Minute
	TTLCityList        = time.Hour
)

func HistoryKey(cityID int64, period string, limit int) string {
	return fmt.Sprintf("reading:history:%d:%s:%d", cityID, period, limit)
}

// HistoryPattern matches every history entry of one city.
func HistoryPattern(cityID int64) string {
	return fmt.Sprintf("reading:history:%d:*", cityID)
}

func ProviderKey(providerID int64) string {
	return fmt.Sprintf("provider:%d", providerID)
}

func AlertConfigKey(cityID int64) string {
	return fmt.Sprintf("alertconfig:%d", cityID)
}

func RecentAlertsKey(limit int) string {
	return fmt.Sprintf("alert:recent:%d", limit)
}
