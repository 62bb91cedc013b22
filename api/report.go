package api

import (
	"fmt"
	"io"

	"github.com/dairycoop/credit-engine/credit"
	"github.com/xuri/excelize/v2"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	farmersSheet    = "Farmers"
	summarySheet    = "Summary"
)

var reportHeadings = []string{
	"Farmer ID", "Tier", "Pending Payments", "Credit Limit", "Available Credit",
	"Credit Used", "Pending Deductions", "Total Credit Used", "Utilization %",
	"Level", "Frozen", "Last Transaction", "Next Settlement",
}

// WriteReconciliationXLSX renders the report as a workbook with one row per
// farmer and a summary sheet. Amounts are numeric cells so they can be
// summed in the spreadsheet; the JSON report stays the exact source.
func WriteReconciliationXLSX(w io.Writer, report *credit.ReconciliationReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", farmersSheet); err != nil {
		return err
	}
	if err := setRow(f, farmersSheet, 1, toAny(reportHeadings)); err != nil {
		return err
	}

	for i, e := range report.Entries {
		last, next := "", ""
		if e.LastTransactionAt != nil {
			last = formatTimestamp(*e.LastTransactionAt)
		}
		if d := formatDate(e.NextSettlementDate); d != nil {
			next = *d
		}
		row := []any{
			string(e.FarmerID),
			string(e.Tier),
			e.PendingPayments.InexactFloat64(),
			e.CreditLimit.InexactFloat64(),
			e.AvailableCredit.InexactFloat64(),
			e.CreditUsed.InexactFloat64(),
			e.PendingDeductions.InexactFloat64(),
			e.TotalCreditUsed.InexactFloat64(),
			e.Utilization.InexactFloat64(),
			e.UtilizationLevel,
			e.IsFrozen,
			last,
			next,
		}
		if err := setRow(f, farmersSheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	s := report.Summary
	summary := [][]any{
		{"Generated At", formatTimestamp(report.GeneratedAt)},
		{"Farmers", s.Farmers},
		{"Frozen Farmers", s.FrozenFarmers},
		{"High Utilization Farmers", s.HighUtilization},
		{"Total Pending Payments", s.TotalPendingPayments.InexactFloat64()},
		{"Total Credit Limit", s.TotalCreditLimit.InexactFloat64()},
		{"Total Available Credit", s.TotalAvailableCredit.InexactFloat64()},
		{"Total Credit Used", s.TotalCreditUsed.InexactFloat64()},
		{"Total Pending Deductions", s.TotalPendingDeductions.InexactFloat64()},
		{"Average Utilization %", s.AverageUtilization.InexactFloat64()},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func setRow(f *excelize.File, sheet string, rowNo int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, rowNo, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
