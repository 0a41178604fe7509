package service

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/unclebandit/reactivation-backend/internal/model"
	"github.com/unclebandit/reactivation-backend/internal/repository"
)

// OperatorService backs the status and triage views.
type OperatorService struct {
	Leads    repository.LeadRepositoryInterface
	Messages repository.MessageRepositoryInterface
	Jobs     repository.JobStoreInterface
	Ledger   repository.LedgerRepositoryInterface
}

type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

type DeadLetterPage struct {
	Items []model.DeadLetter `json:"items"`
	Page
}

type LedgerPage struct {
	Items []model.LedgerEntry `json:"items"`
	Page
}

func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

// MessagesForLead returns the lead's messages in sequence order with attempt history.
func (s *OperatorService) MessagesForLead(ctx context.Context, leadID string) ([]model.MessageWithAttempts, error) {
	if _, err := s.Leads.GetByID(ctx, leadID); err != nil {
		return nil, err
	}
	return s.Messages.ListByLead(ctx, leadID)
}

func (s *OperatorService) DeadLetters(ctx context.Context, page, pageSize int) (*DeadLetterPage, error) {
	page, pageSize, offset := normalizePage(page, pageSize)
	items, total, err := s.Jobs.ListDeadLetters(ctx, pageSize, offset)
	if err != nil {
		return nil, err
	}
	return &DeadLetterPage{Items: items, Page: Page{Page: page, PageSize: pageSize, Total: total}}, nil
}

// RejectedBilling lists webhook events parked for manual reconciliation.
func (s *OperatorService) RejectedBilling(ctx context.Context, page, pageSize int) (*LedgerPage, error) {
	page, pageSize, offset := normalizePage(page, pageSize)
	items, err := s.Ledger.ListByStatus(ctx, model.LedgerRejected, pageSize, offset)
	if err != nil {
		return nil, err
	}
	return &LedgerPage{Items: items, Page: Page{Page: page, PageSize: pageSize, Total: offset + len(items)}}, nil
}

const deadLetterSheet = "dead_letters"

// ExportDeadLetters renders every dead letter as an xlsx workbook.
func (s *OperatorService) ExportDeadLetters(ctx context.Context) (string, []byte, error) {
	rows, _, err := s.Jobs.ListDeadLetters(ctx, 0, 0)
	if err != nil {
		return "", nil, err
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()
	if err := xl.SetSheetName(xl.GetSheetName(0), deadLetterSheet); err != nil {
		return "", nil, err
	}

	header := []string{"job_id", "message_id", "campaign_id", "lead_id", "sequence_index", "channel", "attempt_count", "reason", "dead_lettered_at"}
	if err := xl.SetSheetRow(deadLetterSheet, "A1", &header); err != nil {
		return "", nil, err
	}
	for i, d := range rows {
		record := []string{
			d.JobID,
			d.MessageID,
			d.CampaignID,
			d.LeadID,
			strconv.Itoa(d.SequenceIndex),
			string(d.Channel),
			strconv.Itoa(d.AttemptCount),
			d.Reason,
			d.DeadLetteredAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := xl.SetSheetRow(deadLetterSheet, cell, &record); err != nil {
			return "", nil, err
		}
	}

	var buf bytes.Buffer
	if err := xl.Write(&buf); err != nil {
		return "", nil, err
	}
	filename := "dead_letters_" + time.Now().UTC().Format("20060102") + ".xlsx"
	return filename, buf.Bytes(), nil
}
