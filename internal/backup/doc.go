// Package backup takes tenant snapshots and reads them back.
//
// A backup is a single package blob written to the configured storage
// adapter. The engine streams every selected category out of the tenant
// catalog, record by record, through a chain of writers:
//
//	catalog -> PackageWriter -> compressor -> encryptor (optional) -> storage
//
// The storage upload reads from a pipe, so packages are never held in
// memory as a whole.
//
// Core Components:
//
// - Engine: validates a request against the tenant's plan and settings,
// records the backup row, streams the package and finalizes the row with
// its checksum, size and per-category summary
// - PackageWriter / PackageReader: the JSON lines package format with a
// header, per-category sections and checksums, and a manifest trailer
// - Open: reverses the writer chain for restores, downloads and verification
// - Sweep: expires backups past retention, warns about backups that are
// about to expire, trims schedules over their cap and fails stuck jobs
//
// A backup row moves pending -> in_progress -> completed or failed. When
// writing fails the partial blob is removed before the row is failed.
//
// Example usage:
//
//	engine := backup.NewEngine(backup.Deps{
//		DB:       db,
//		Catalog:  cat,
//		Storage:  adapter,
//		Keys:     keyManager,
//		Settings: settingsService,
//	}, backup.OptionsFromConfig(cfg))
//
//	b, err := engine.RunBackup(ctx, backup.Request{
//		TenantID: "acme",
//		Type:     model.BackupTypeFull,
//		Trigger:  model.TriggerManual,
//	})
package backup
