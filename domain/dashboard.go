package domain

import (
	"sort"
	"strconv"
	"time"
)

// TotalCounts feeds the summary cards of the dashboard.
type TotalCounts struct {
	Companies int `json:"companies"`
	Contacts  int `json:"contacts"`
	Deals     int `json:"deals"`
}

// Deal stage titles the chart knows how to label.
const (
	DealStageWon  = "WON"
	DealStageLost = "LOST"
)

// DealStage is a deal pipeline stage with its deal values summed per close month.
type DealStage struct {
	ID             ID                   `json:"id"`
	Title          string               `json:"title"`
	DealsAggregate []DealStageAggregate `json:"dealsAggregate"`
}

// DealStageAggregate is one close-month group of a deal stage.
type DealStageAggregate struct {
	GroupBy *struct {
		CloseDateMonth *int `json:"closeDateMonth"`
		CloseDateYear  *int `json:"closeDateYear"`
	} `json:"groupBy"`
	Sum *struct {
		Value *float64 `json:"value"`
	} `json:"sum"`
}

// ChartPoint is one point of the deals area chart.
type ChartPoint struct {
	TimeUnix  int64   `json:"timeUnix"`
	TimeText  string  `json:"timeText"`
	Value     float64 `json:"value"`
	ValueText string  `json:"valueText"`
	State     string  `json:"state"`
}

var chartStates = []struct {
	title string
	state string
}{
	{DealStageWon, "Won"},
	{DealStageLost, "Lost"},
}

// DealsChartSeries flattens the won and lost stages into chart points sorted
// by month. Groups without a close month are skipped.
func DealsChartSeries(stages []DealStage) []ChartPoint {
	points := []ChartPoint{}
	for _, cs := range chartStates {
		stage, ok := findDealStage(stages, cs.title)
		if !ok {
			continue
		}
		for _, agg := range stage.DealsAggregate {
			if agg.GroupBy == nil || agg.GroupBy.CloseDateMonth == nil || agg.GroupBy.CloseDateYear == nil {
				continue
			}
			month := time.Date(*agg.GroupBy.CloseDateYear, time.Month(*agg.GroupBy.CloseDateMonth), 1, 0, 0, 0, 0, time.UTC)
			var value float64
			if agg.Sum != nil && agg.Sum.Value != nil {
				value = *agg.Sum.Value
			}
			points = append(points, ChartPoint{
				TimeUnix:  month.Unix(),
				TimeText:  month.Format("Jan 2006"),
				Value:     value,
				ValueText: FormatThousands(value),
				State:     cs.state,
			})
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].TimeUnix < points[j].TimeUnix })
	return points
}

func findDealStage(stages []DealStage, title string) (DealStage, bool) {
	for _, s := range stages {
		if s.Title == title {
			return s, true
		}
	}
	return DealStage{}, false
}

// FormatThousands renders an amount in thousands of dollars, e.g. $12.5k.
func FormatThousands(v float64) string {
	return "$" + strconv.FormatFloat(v/1000, 'f', -1, 64) + "k"
}
