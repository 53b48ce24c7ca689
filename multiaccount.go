// multiaccount.go
package txtheory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/session"
)

// AccountConfig holds configuration for a partner account reached via STS
// assume-role.
type AccountConfig struct {
	RoleARN    string
	ExternalID string
	Region     string
	// SessionDuration overrides the assume-role provider's default session
	// duration (stscreds.DefaultDuration, 15 minutes).
	SessionDuration time.Duration
}

// DescriptorFactory produces fresh descriptor values for one account's
// registry. Prepared descriptors are bound to the registry that prepared
// them, so every account gets its own set.
type DescriptorFactory func() []*model.Descriptor

// MultiAccountDB manages DB handles across multiple AWS accounts, caching
// assumed-role credentials per account.
type MultiAccountDB struct {
	accounts   map[string]AccountConfig
	factory    DescriptorFactory
	cache      sync.Map
	baseConfig aws.Config
	mu         sync.Mutex
}

// NewMultiAccount creates a multi-account aware DB manager. The factory runs
// once per account to populate that account's registry.
func NewMultiAccount(accounts map[string]AccountConfig, factory DescriptorFactory) (*MultiAccountDB, error) {
	baseConfig, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load base AWS config: %w", err)
	}
	return &MultiAccountDB{
		accounts:   accounts,
		factory:    factory,
		baseConfig: baseConfig,
	}, nil
}

// AccountDB returns the DB handle for a named account, building and caching
// it on first use.
func (m *MultiAccountDB) AccountDB(name string) (*DB, error) {
	if cached, ok := m.cache.Load(name); ok {
		db, _ := cached.(*DB)
		return db, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.cache.Load(name); ok {
		db, _ := cached.(*DB)
		return db, nil
	}

	account, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	db, err := m.buildAccountDB(account)
	if err != nil {
		return nil, err
	}
	m.cache.Store(name, db)
	return db, nil
}

func (m *MultiAccountDB) buildAccountDB(account AccountConfig) (*DB, error) {
	stsClient := sts.NewFromConfig(m.baseConfig)
	provider := stscreds.NewAssumeRoleProvider(stsClient, account.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		if account.ExternalID != "" {
			o.ExternalID = aws.String(account.ExternalID)
		}
		if account.SessionDuration > 0 {
			o.Duration = account.SessionDuration
		}
	})

	accountConfig := m.baseConfig.Copy()
	accountConfig.Credentials = aws.NewCredentialsCache(provider)
	if account.Region != "" {
		accountConfig.Region = account.Region
	}

	sess := session.NewSessionFromAWSConfig(&session.Config{Region: accountConfig.Region}, accountConfig)
	db := newDB(storeForSession(sess), sess, sess.Logger())
	if m.factory != nil {
		if err := db.Register(m.factory()...); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// InvalidateAccount drops the cached handle for an account, forcing fresh
// credentials on next use.
func (m *MultiAccountDB) InvalidateAccount(name string) {
	m.cache.Delete(name)
}
