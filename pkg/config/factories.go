package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittogate/internal/command"
	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/audit"
	auditS3 "github.com/marmos91/dittogate/pkg/audit/s3"
	"github.com/marmos91/dittogate/pkg/controller"
	"github.com/marmos91/dittogate/pkg/gate/advertise"
	"github.com/marmos91/dittogate/pkg/gate/export"
	"github.com/marmos91/dittogate/pkg/gate/firewall"
	"github.com/marmos91/dittogate/pkg/gate/storage"
	"github.com/marmos91/dittogate/pkg/ledger"
	ledgerBadger "github.com/marmos91/dittogate/pkg/ledger/badger"
	"github.com/marmos91/dittogate/pkg/metrics"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
)

// CreateFirewall creates the firewall gate based on configuration.
//
// Supported types:
//   - "iptables": Uses coreos/go-iptables against the kernel tables
//     (ip6tables too when firewall.ipv6 is set)
//   - "memory": Uses an in-process table (testing, dry runs)
func CreateFirewall(cfg *Config) (*firewall.Gate, error) {
	fwCfg := firewall.Config{
		Table:    cfg.Firewall.Table,
		Chain:    cfg.Firewall.Chain,
		AuthPort: cfg.Gate.AuthPort,
		DataPort: cfg.Gate.DataPort,
	}

	switch cfg.Firewall.Type {
	case "iptables":
		v4, err := firewall.NewIPTables(false)
		if err != nil {
			return nil, err
		}
		var v6 firewall.Table
		if cfg.Firewall.IPv6 {
			if v6, err = firewall.NewIPTables(true); err != nil {
				return nil, err
			}
		}
		return firewall.New(fwCfg, v4, v6), nil
	case "memory":
		return firewall.New(fwCfg, firewall.NewMemoryTable(), firewall.NewMemoryTable()), nil
	default:
		return nil, fmt.Errorf("unknown firewall type: %q (supported: iptables, memory)", cfg.Firewall.Type)
	}
}

// CreateExports creates the export gate based on configuration.
//
// Supported types:
//   - "exportfs": Edits the exports file on disk and runs the reload command
//   - "memory": Keeps the table in memory and never reloads
func CreateExports(cfg *Config) (*export.Gate, error) {
	exCfg := export.Config{
		ExportsFile: cfg.Exports.File,
		Path:        cfg.Storage.Path,
		Options:     cfg.Exports.Options,
	}

	switch cfg.Exports.Type {
	case "exportfs":
		reloader := export.CommandReloader{Runner: command.Exec{}, Line: cfg.Exports.ReloadCommand}
		return export.New(exCfg, afero.NewOsFs(), reloader), nil
	case "memory":
		return export.New(exCfg, afero.NewMemMapFs(), export.NopReloader{}), nil
	default:
		return nil, fmt.Errorf("unknown exports type: %q (supported: exportfs, memory)", cfg.Exports.Type)
	}
}

// CreateStorage creates the storage gate for the configured volume.
func CreateStorage(cfg *Config) *storage.Gate {
	return storage.New(storage.Config{
		Path:          cfg.Storage.Path,
		UnlockCommand: cfg.Storage.UnlockCommand,
		LockCommand:   cfg.Storage.LockCommand,
	}, afero.NewOsFs(), command.Exec{})
}

// CreateAdvertiser creates the advertiser based on configuration.
//
// Supported types:
//   - "zeroconf": Announces over multicast DNS (grandcat/zeroconf)
//   - "memory": Records broadcasts in memory
func CreateAdvertiser(cfg *Config) (*advertise.Advertiser, error) {
	switch cfg.Advertiser.Type {
	case "zeroconf":
		ifaces, err := lookupInterfaces(cfg.Advertiser.Interfaces)
		if err != nil {
			return nil, err
		}
		return advertise.New(advertise.ZeroconfPublisher{
			Instance:   cfg.Advertiser.Instance,
			Service:    cfg.Advertiser.Service,
			Domain:     cfg.Advertiser.Domain,
			Port:       cfg.Gate.AuthPort,
			Interfaces: ifaces,
		}), nil
	case "memory":
		return advertise.New(advertise.NewMemoryPublisher()), nil
	default:
		return nil, fmt.Errorf("unknown advertiser type: %q (supported: zeroconf, memory)", cfg.Advertiser.Type)
	}
}

func lookupInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ifaces := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("advertiser interface %q: %w", name, err)
		}
		ifaces = append(ifaces, *iface)
	}
	return ifaces, nil
}

// CreateLedger creates the grant ledger based on configuration.
//
// Supported types:
//   - "memory": Non-persistent; grants left by a crash are not recovered
//   - "badger": BadgerDB database (persistent)
func CreateLedger(ctx context.Context, cfg *LedgerConfig) (ledger.Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return ledger.NewMemory(), nil
	case "badger":
		return createBadgerLedger(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown ledger type: %q (supported: memory, badger)", cfg.Type)
	}
}

func createBadgerLedger(options map[string]any) (ledger.Ledger, error) {
	type BadgerLedgerOptions struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var opts BadgerLedgerOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode badger ledger options: %w", err)
	}

	if opts.Path == "" && !opts.InMemory {
		return nil, errors.New("badger ledger: path is required")
	}

	store, err := ledgerBadger.Open(ledgerBadger.Config{Path: opts.Path, InMemory: opts.InMemory})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger ledger: %w", err)
	}
	return store, nil
}

// CreateAuditSink creates the audit sink based on configuration.
//
// Supported types:
//   - "none": Events are dropped
//   - "log": Events are written to the log
//   - "memory": Events are kept in memory
//   - "s3": Events are logged and archived to an S3-compatible bucket
func CreateAuditSink(ctx context.Context, cfg *AuditConfig) (audit.Sink, error) {
	switch cfg.Type {
	case "none":
		return audit.Nop{}, nil
	case "log":
		return audit.LogSink{}, nil
	case "memory":
		return audit.NewMemory(), nil
	case "s3":
		sink, err := createS3AuditSink(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return audit.Multi{audit.LogSink{}, sink}, nil
	default:
		return nil, fmt.Errorf("unknown audit type: %q (supported: none, log, memory, s3)", cfg.Type)
	}
}

// S3AuditOptions are the options of the "s3" audit sink.
type S3AuditOptions struct {
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MaxBuffered     int           `mapstructure:"max_buffered"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
}

func decodeS3AuditOptions(options map[string]any) (S3AuditOptions, error) {
	var opts S3AuditOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return opts, fmt.Errorf("failed to decode s3 audit options: %w", err)
	}

	if opts.Bucket == "" {
		return opts, errors.New("s3 audit sink: bucket is required")
	}
	if opts.Region == "" {
		return opts, errors.New("s3 audit sink: region is required")
	}
	return opts, nil
}

func createS3AuditSink(ctx context.Context, options map[string]any) (*auditS3.Sink, error) {
	opts, err := decodeS3AuditOptions(options)
	if err != nil {
		return nil, err
	}

	client, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	sink, err := auditS3.New(auditS3.Config{
		Client:        client,
		Bucket:        opts.Bucket,
		KeyPrefix:     opts.KeyPrefix,
		BatchSize:     opts.BatchSize,
		FlushInterval: opts.FlushInterval,
		MaxBuffered:   opts.MaxBuffered,
		UploadTimeout: opts.UploadTimeout,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("S3 audit sink initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)
	return sink, nil
}

// newS3Client builds an S3 client with optional static credentials and a
// custom endpoint for MinIO, Localstack and similar services.
func newS3Client(ctx context.Context, opts S3AuditOptions) (*s3.Client, error) {
	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(opts.Region),
	}

	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// Path-style addressing for MinIO/Localstack
			o.UsePathStyle = true
		}
	}), nil
}

// ControllerConfig converts the gate and TLS sections into the plain value
// the controller takes.
func ControllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		BindAddress:        cfg.Gate.BindAddress,
		AuthPort:           cfg.Gate.AuthPort,
		StoragePath:        cfg.Storage.Path,
		CertFile:           cfg.TLS.CertFile,
		KeyFile:            cfg.TLS.KeyFile,
		TrustAnchorFile:    cfg.TLS.TrustAnchorFile,
		InactivityTimeout:  cfg.Gate.InactivityTimeout,
		HandshakeTimeout:   cfg.Gate.HandshakeTimeout,
		AcceptPollInterval: cfg.Gate.AcceptPollInterval,
		ShutdownTimeout:    cfg.Gate.ShutdownTimeout,
		GrantFailurePolicy: controller.GrantFailurePolicy(cfg.Gate.GrantFailurePolicy),
		AllowedNetworks:    cfg.Gate.AllowedNetworks,
		HandshakeRate:      cfg.Gate.HandshakeRate,
		HandshakeBurst:     cfg.Gate.HandshakeBurst,
	}
}

// Device bundles the controller with the resources it owns.
type Device struct {
	Controller *controller.Controller
	Ledger     ledger.Ledger
	Audit      audit.Sink
}

// Close flushes the audit sink and closes the ledger. Call it after the
// controller has stopped.
func (d *Device) Close(ctx context.Context) error {
	return errors.Join(d.Audit.Close(ctx), d.Ledger.Close())
}

// CreateDevice builds every gate, the ledger and the audit sink, and wires
// them into a controller in the DORMANT state.
func CreateDevice(ctx context.Context, cfg *Config, gateMetrics metrics.GateMetrics) (*Device, error) {
	fw, err := CreateFirewall(cfg)
	if err != nil {
		return nil, fmt.Errorf("firewall: %w", err)
	}
	exports, err := CreateExports(cfg)
	if err != nil {
		return nil, fmt.Errorf("exports: %w", err)
	}
	adv, err := CreateAdvertiser(cfg)
	if err != nil {
		return nil, fmt.Errorf("advertiser: %w", err)
	}

	l, err := CreateLedger(ctx, &cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	sink, err := CreateAuditSink(ctx, &cfg.Audit)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}

	ctrl, err := controller.New(ControllerConfig(cfg), controller.Dependencies{
		Firewall:   fw,
		Exports:    exports,
		Storage:    CreateStorage(cfg),
		Advertiser: adv,
		Ledger:     l,
		Audit:      sink,
		Metrics:    gateMetrics,
	})
	if err != nil {
		_ = sink.Close(ctx)
		_ = l.Close()
		return nil, err
	}

	return &Device{Controller: ctrl, Ledger: l, Audit: sink}, nil
}
