package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// CatalogPaths names the signed document files, one per catalog.
type CatalogPaths struct {
	Policy         string
	Capability     string
	ModelRegistry  string
	ApprovalPolicy string
	Destination    string
	Connector      string
	Pricing        string
	ControlTokens  string
}

// CatalogManager owns the catalog snapshot lifecycle: the fatal boot load
// and the per-catalog hot reload. A failed reload keeps the old snapshot
// and surfaces the error; readers never observe a partially loaded set.
type CatalogManager struct {
	store    *catalog.Store
	paths    CatalogPaths
	trust    catalog.Trust
	recorder *AuditRecorder
	notifier outbound.AlertNotifier
	logger   *slog.Logger
}

// NewCatalogManager loads every catalog once and publishes the boot
// snapshot. Any load error is fatal; the process must not serve with a
// partial rule set.
func NewCatalogManager(paths CatalogPaths, keyring *signing.Keyring, trust catalog.Trust, recorder *AuditRecorder, notifier outbound.AlertNotifier, logger *slog.Logger) (*CatalogManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap := &catalog.Snapshot{Keyring: keyring, LoadedAt: time.Now().UTC()}

	var err error
	if snap.Policy, err = catalog.LoadPolicyFile(paths.Policy, trust); err != nil {
		return nil, err
	}
	if snap.Capabilities, err = catalog.LoadCapabilityFile(paths.Capability, trust); err != nil {
		return nil, err
	}
	if snap.Models, err = catalog.LoadModelRegistryFile(paths.ModelRegistry, trust); err != nil {
		return nil, err
	}
	if snap.Approval, err = catalog.LoadApprovalPolicyFile(paths.ApprovalPolicy, trust); err != nil {
		return nil, err
	}
	if snap.Destinations, err = catalog.LoadDestinationFile(paths.Destination, trust); err != nil {
		return nil, err
	}
	if snap.Connectors, err = catalog.LoadConnectorsFile(paths.Connector, trust); err != nil {
		return nil, err
	}
	if snap.Pricing, err = catalog.LoadPricingFile(paths.Pricing, trust); err != nil {
		return nil, err
	}
	if snap.ControlTokens, err = catalog.LoadControlTokensFile(paths.ControlTokens, trust); err != nil {
		return nil, err
	}

	m := &CatalogManager{
		store:    catalog.NewStore(snap),
		paths:    paths,
		trust:    trust,
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
	}
	for _, desc := range snap.Descriptors() {
		logger.Info("catalog loaded",
			"catalog", desc.Name,
			"fingerprint", desc.Fingerprint,
			"signing_mode", desc.SigningMode,
		)
	}
	return m, nil
}

// Store returns the snapshot store for readers.
func (m *CatalogManager) Store() *catalog.Store { return m.store }

// Reload re-reads one catalog by name and publishes a new snapshot. On
// failure the live snapshot stays untouched.
func (m *CatalogManager) Reload(ctx context.Context, name string) (catalog.Descriptor, error) {
	var (
		desc   catalog.Descriptor
		mutate func(next *catalog.Snapshot)
		err    error
	)

	switch name {
	case catalog.NamePolicy:
		var loaded *catalog.Signed[catalog.PolicyRules]
		if loaded, err = catalog.LoadPolicyFile(m.paths.Policy, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Policy = loaded }
		}
	case catalog.NameCapability:
		var loaded *catalog.Signed[catalog.CapabilityRules]
		if loaded, err = catalog.LoadCapabilityFile(m.paths.Capability, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Capabilities = loaded }
		}
	case catalog.NameModelRegistry:
		var loaded *catalog.Signed[catalog.ModelRegistry]
		if loaded, err = catalog.LoadModelRegistryFile(m.paths.ModelRegistry, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Models = loaded }
		}
	case catalog.NameApprovalPolicy:
		var loaded *catalog.Signed[catalog.ApprovalPolicy]
		if loaded, err = catalog.LoadApprovalPolicyFile(m.paths.ApprovalPolicy, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Approval = loaded }
		}
	case catalog.NameDestination:
		var loaded *catalog.Signed[catalog.DestinationRules]
		if loaded, err = catalog.LoadDestinationFile(m.paths.Destination, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Destinations = loaded }
		}
	case catalog.NameConnector:
		var loaded *catalog.Signed[catalog.ConnectorCatalog]
		if loaded, err = catalog.LoadConnectorsFile(m.paths.Connector, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Connectors = loaded }
		}
	case catalog.NamePricing:
		var loaded *catalog.Signed[catalog.Pricing]
		if loaded, err = catalog.LoadPricingFile(m.paths.Pricing, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.Pricing = loaded }
		}
	case catalog.NameControlTokens:
		var loaded *catalog.Signed[catalog.ControlTokens]
		if loaded, err = catalog.LoadControlTokensFile(m.paths.ControlTokens, m.trust); err == nil {
			desc = loaded.Descriptor
			mutate = func(next *catalog.Snapshot) { next.ControlTokens = loaded }
		}
	default:
		return catalog.Descriptor{}, fmt.Errorf("unknown catalog %q", name)
	}

	if err != nil {
		m.logger.ErrorContext(ctx, "catalog reload failed, keeping previous",
			"catalog", name, "error", err)
		if m.notifier != nil {
			m.notifier.Alert(ctx, "catalog.reload.failed", "catalog reload failed",
				map[string]any{"catalog": name, "error": err.Error()})
		}
		return catalog.Descriptor{}, err
	}

	m.store.Update(mutate)
	m.record(name, desc)
	m.logger.InfoContext(ctx, "catalog reloaded",
		"catalog", name, "fingerprint", desc.Fingerprint, "signing_mode", desc.SigningMode)
	return desc, nil
}

func (m *CatalogManager) record(name string, desc catalog.Descriptor) {
	if m.recorder == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"catalog":      name,
		"fingerprint":  desc.Fingerprint,
		"signing_mode": desc.SigningMode,
	})
	m.recorder.Record(audit.Record{
		ID:         uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		EventType:  audit.EventTypeCatalogReload,
		Metadata:   meta,
	})
}
