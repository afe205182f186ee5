package report

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/bidflow/internal/model"
)

// SessionLoader provides the sessions referenced by a batch record.
type SessionLoader interface {
	Get(ctx context.Context, sessionID string) (*model.Session, error)
}

// WriteBatchReport exports a batch's ranking and pricing outcome to an
// xlsx workbook at path.
func WriteBatchReport(ctx context.Context, batch *model.Batch, loader SessionLoader, path string) error {
	f := xlsx.NewFile()

	if err := writeSummarySheet(f, batch); err != nil {
		return err
	}
	if len(batch.Scores) > 0 {
		if err := writeScoresSheet(ctx, f, batch, loader); err != nil {
			return err
		}
	}
	if batch.SelectedSessionID != "" {
		if err := writePricingSheet(ctx, f, batch, loader); err != nil {
			return err
		}
	}

	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

func writeSummarySheet(f *xlsx.File, batch *model.Batch) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}

	addRow(sheet, "Batch", batch.ID)
	addRow(sheet, "Status", string(batch.Status))
	addIntRow(sheet, "Documents", batch.TotalCount)
	addIntRow(sheet, "Completed", batch.CompletedCount)
	addIntRow(sheet, "Failed", batch.FailedCount)
	addRow(sheet, "Selected session", batch.SelectedSessionID)
	addRow(sheet, "Reasoning", batch.SelectionReasoning)
	addRow(sheet, "Created", batch.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func writeScoresSheet(ctx context.Context, f *xlsx.File, batch *model.Batch, loader SessionLoader) error {
	sheet, err := f.AddSheet("Scores")
	if err != nil {
		return eris.Wrap(err, "report: add scores sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Rank", "Session", "Document", "Counterparty", "Spec Match", "Margin", "Capacity", "Priority", "Total"} {
		header.AddCell().SetString(h)
	}

	for _, score := range batch.Scores {
		docName, counterparty := "", ""
		if sess, err := loader.Get(ctx, score.SessionID); err == nil {
			docName = sess.Document.Name
			var ext model.ExtractionResult
			if raw := sess.Output(model.StageExtraction); raw != nil {
				if err := json.Unmarshal(raw, &ext); err == nil {
					counterparty = ext.Counterparty
				}
			}
		}

		row := sheet.AddRow()
		row.AddCell().SetInt(score.Rank)
		row.AddCell().SetString(score.SessionID)
		row.AddCell().SetString(docName)
		row.AddCell().SetString(counterparty)
		row.AddCell().SetFloat(score.SpecMatch)
		row.AddCell().SetFloat(score.Margin)
		row.AddCell().SetFloat(score.Capacity)
		row.AddCell().SetFloat(score.Priority)
		row.AddCell().SetFloat(score.Total)
	}
	return nil
}

func writePricingSheet(ctx context.Context, f *xlsx.File, batch *model.Batch, loader SessionLoader) error {
	sess, err := loader.Get(ctx, batch.SelectedSessionID)
	if err != nil {
		return eris.Wrapf(err, "report: load selected session %s", batch.SelectedSessionID)
	}
	raw := sess.Output(model.StagePricing)
	if raw == nil {
		return nil
	}
	var priced model.PricingResult
	if err := json.Unmarshal(raw, &priced); err != nil {
		return eris.Wrap(err, "report: decode pricing output")
	}

	sheet, err := f.AddSheet("Pricing")
	if err != nil {
		return eris.Wrap(err, "report: add pricing sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Section", "Label", "Quantity", "Total"} {
		header.AddCell().SetString(h)
	}
	writeCostLines(sheet, "Material", priced.MaterialCosts)
	writeCostLines(sheet, "Testing", priced.TestingCosts)

	addMoneyRow(sheet, "Subtotal", priced.Subtotal)
	addMoneyRow(sheet, "Contingency", priced.Contingency)
	addMoneyRow(sheet, "Grand total ("+priced.Currency+")", priced.GrandTotal)
	return nil
}

func writeCostLines(sheet *xlsx.Sheet, section string, lines []model.CostLine) {
	for _, line := range lines {
		row := sheet.AddRow()
		row.AddCell().SetString(section)
		row.AddCell().SetString(line.Label)
		row.AddCell().SetFloat(line.Quantity)
		row.AddCell().SetFloat(line.Total)
	}
}

func addRow(sheet *xlsx.Sheet, label, value string) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetString(value)
}

func addIntRow(sheet *xlsx.Sheet, label string, value int) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetInt(value)
}

func addMoneyRow(sheet *xlsx.Sheet, label string, value float64) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetString("")
	row.AddCell().SetString("")
	row.AddCell().SetFloat(value)
}
