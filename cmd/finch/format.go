package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"finch/internal/downloads"
	"finch/internal/services/jellyfin"
)

const ticksPerSecond = 10_000_000

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func formatProgress(p downloads.Progress) string {
	pct := p.Percent()
	if pct < 0 {
		if p.BytesReceived > 0 {
			return formatBytes(p.BytesReceived)
		}
		return "-"
	}
	return fmt.Sprintf("%.0f%%", pct)
}

func formatRuntime(ticks int64) string {
	if ticks <= 0 {
		return "-"
	}
	return (time.Duration(ticks/ticksPerSecond) * time.Second).String()
}

func formatYear(year int) string {
	if year <= 0 {
		return "-"
	}
	return strconv.Itoa(year)
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func itemRows(items []jellyfin.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.Name,
			item.Type,
			formatYear(item.ProductionYear),
			formatRuntime(item.RunTimeTicks),
			item.ID,
		})
	}
	return rows
}

func renderItems(items []jellyfin.Item) string {
	return renderTable(
		[]string{"Name", "Type", "Year", "Runtime", "ID"},
		itemRows(items),
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}
