package repository

import "database/sql"

// Stores bundles one implementation of every repository interface.
type Stores struct {
	Leads     LeadRepositoryInterface
	Campaigns CampaignRepositoryInterface
	Messages  MessageRepositoryInterface
	Jobs      JobStoreInterface
	Ledger    LedgerRepositoryInterface
	Billing   BillingRepositoryInterface
}

func NewPostgresStores(db *sql.DB) Stores {
	return Stores{
		Leads:     &LeadRepository{DB: db},
		Campaigns: &CampaignRepository{DB: db},
		Messages:  &MessageRepository{DB: db},
		Jobs:      NewJobStore(db),
		Ledger:    &LedgerRepository{DB: db},
		Billing:   &BillingRepository{DB: db},
	}
}

func NewMemoryStores(m *MemoryStore) Stores {
	return Stores{
		Leads:     m,
		Campaigns: m.Campaigns(),
		Messages:  m,
		Jobs:      m,
		Ledger:    m.Ledger(),
		Billing:   m.Billing(),
	}
}
