package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorType represents the failure taxonomy shared by every component
type ErrorType string

const (
	// ErrorTypeValidation is bad input, rejected before any job state exists
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConflict is a request that collides with current state; nothing is mutated
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeTransientInfra is a storage, secret store or database hiccup
	ErrorTypeTransientInfra ErrorType = "transient_infra"
	// ErrorTypeIntegrity is a checksum mismatch or an unreadable decrypted stream
	ErrorTypeIntegrity ErrorType = "integrity"
	// ErrorTypePartialFailure means some records of a restore failed to apply
	ErrorTypePartialFailure ErrorType = "partial_failure"
	// ErrorTypeNotFound is a missing or foreign-tenant entity
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeCancelled is a cooperative cancellation or an interrupted operation
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeInternal represents unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// Machine readable reason codes. Components may use their own codes as well;
// these are the ones shared across packages.
const (
	ReasonInvalidInput        = "invalid_input"
	ReasonUnknownCategory     = "unknown_category"
	ReasonInvalidSchedule     = "invalid_schedule"
	ReasonPlanLimit           = "plan_limit"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonBackupInProgress    = "backup_in_progress"
	ReasonRestoreInProgress   = "restore_in_progress"
	ReasonKeyInUse            = "key_in_use"
	ReasonKeyNotActive        = "key_not_active"
	ReasonDefaultKeyRace      = "default_key_race"
	ReasonAlreadyConfirmed    = "already_confirmed"
	ReasonInvalidState        = "invalid_state"
	ReasonRollbackExpired     = "rollback_expired"
	ReasonChecksumMismatch    = "checksum_mismatch"
	ReasonCorruptPackage      = "corrupt_package"
	ReasonStorageUnavailable  = "storage_unavailable"
	ReasonSecretsUnavailable  = "secrets_unavailable"
	ReasonDatabaseUnavailable = "database_unavailable"
	ReasonTimedOut            = "timed_out"
	ReasonCancelled           = "cancelled"
	ReasonFailureThreshold    = "failure_threshold_exceeded"
	ReasonSafetyBackupFailed  = "safety_backup_failed"
	ReasonNotFound            = "not_found"
	ReasonDuplicateEntry      = "duplicate_entry"
	ReasonInternal            = "internal"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Reason      string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to operators
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, reason, message string, cause error) *AppError {
	if reason == "" {
		reason = string(errorType)
	}
	return &AppError{
		Type:        errorType,
		Reason:      reason,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: errorType == ErrorTypeTransientInfra,
	}
}

// NewValidationError creates a validation error
func NewValidationError(reason, message string) *AppError {
	return NewAppError(ErrorTypeValidation, reason, message, nil)
}

// NewConflictError creates a conflict error
func NewConflictError(reason, message string) *AppError {
	return NewAppError(ErrorTypeConflict, reason, message, nil)
}

// NewTransientError creates a transient infrastructure error
func NewTransientError(reason, message string, cause error) *AppError {
	return NewAppError(ErrorTypeTransientInfra, reason, message, cause)
}

// NewIntegrityError creates an integrity error
func NewIntegrityError(reason, message string, cause error) *AppError {
	return NewAppError(ErrorTypeIntegrity, reason, message, cause)
}

// NewPartialFailure creates a partial failure error
func NewPartialFailure(message string) *AppError {
	return NewAppError(ErrorTypePartialFailure, ReasonFailureThreshold, message, nil)
}

// NewNotFoundError creates a not found error for an entity
func NewNotFoundError(entity, id string) *AppError {
	return NewAppError(ErrorTypeNotFound, ReasonNotFound, fmt.Sprintf("%s %s not found", entity, id), nil).
		WithContext("entity", entity).
		WithContext("id", id)
}

// NewCancelledError creates a cancellation error
func NewCancelledError(message string) *AppError {
	return NewAppError(ErrorTypeCancelled, ReasonCancelled, message, nil)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if dbErr := ec.classifyDatabaseError(err); dbErr != nil {
		return dbErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeInternal, ReasonInternal, "An unexpected error occurred", err)
}

// classifyDatabaseError classifies MySQL, SQLite and database/sql errors
func (ec *ErrorClassifier) classifyDatabaseError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return NewTransientError(ReasonDatabaseUnavailable,
				"Database lock contention - retry the operation", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003, 2006, 2013:
			return NewTransientError(ReasonDatabaseUnavailable,
				"MySQL server unreachable or connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1062:
			return NewAppError(ErrorTypeConflict, ReasonDuplicateEntry,
				"Duplicate entry - record already exists", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1146, 1054:
			return NewAppError(ErrorTypeValidation, "schema_mismatch",
				fmt.Sprintf("MySQL schema error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeInternal, ReasonInternal,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return NewTransientError(ReasonDatabaseUnavailable, "SQLite database is busy", err).
				WithContext("sqlite_error_code", sqliteErr.Code())
		case sqlite3.SQLITE_CONSTRAINT:
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return NewAppError(ErrorTypeConflict, ReasonDuplicateEntry,
					"Duplicate entry - record already exists", err).
					WithContext("sqlite_error_code", sqliteErr.Code())
			}
			return NewAppError(ErrorTypeConflict, "constraint_violation", "SQLite constraint violation", err).
				WithContext("sqlite_error_code", sqliteErr.Code())
		}
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return NewAppError(ErrorTypeConflict, ReasonDuplicateEntry,
				"Duplicate entry - record already exists", err).
				WithContext("pg_error_code", pgErr.Code)
		case "40001", "40P01", "55P03":
			return NewTransientError(ReasonDatabaseUnavailable,
				"Database lock contention - retry the operation", err).
				WithContext("pg_error_code", pgErr.Code)
		}
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeNotFound, ReasonNotFound, "No rows found", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewTransientError(ReasonDatabaseUnavailable, "Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(ReasonTimedOut, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewTransientError(ReasonStorageUnavailable, "Failed to establish network connection", err)
		case "read", "write":
			return NewTransientError(ReasonStorageUnavailable, "Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(ReasonTimedOut, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeCancelled, ReasonCancelled, "Operation was canceled", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	if errors.Is(err, os.ErrNotExist) {
		return NewAppError(ErrorTypeNotFound, ReasonNotFound, "File or directory not found", err)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.EACCES:
			return NewAppError(ErrorTypeInternal, "permission_denied",
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewTransientError(ReasonStorageUnavailable, "No space left on device", err)
		case syscall.EIO:
			return NewTransientError(ReasonStorageUnavailable,
				fmt.Sprintf("I/O error: %s", pathErr.Path), err)
		}
	}

	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeCancelled, ReasonCancelled, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)

		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		delay := rh.calculateDelay(attempt)

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeCancelled, ReasonCancelled, "Operation canceled during retry", ctx.Err())
		case <-time.After(delay):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)

	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}

// GracefulShutdownHandler handles graceful shutdown on interruption signals
type GracefulShutdownHandler struct {
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan bool
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		done:          make(chan bool, 1),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown.
// Functions run in reverse registration order.
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals
func (gsh *GracefulShutdownHandler) Start() {
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-gsh.signalChan; ok {
			gsh.shutdown()
		}
	}()
}

// Stop stops the graceful shutdown handler
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	close(gsh.signalChan)
}

// WaitForShutdown waits for shutdown to complete
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

func (gsh *GracefulShutdownHandler) shutdown() {
	defer func() {
		gsh.done <- true
	}()

	for i := len(gsh.shutdownFuncs) - 1; i >= 0; i-- {
		if err := gsh.shutdownFuncs[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}

// ValidationErrors collects several validation problems, used by config checks
type ValidationErrors []FieldError

// FieldError is a single invalid field
type FieldError struct {
	Field   string
	Message string
}

// Add appends a field error
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, FieldError{Field: field, Message: message})
}

// HasErrors reports whether any error was collected
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(parts, "; ")
}

// AsError returns nil when nothing was collected, otherwise a validation AppError
func (ve ValidationErrors) AsError() error {
	if !ve.HasErrors() {
		return nil
	}
	return NewAppError(ErrorTypeValidation, ReasonInvalidInput, ve.Error(), nil)
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// ReasonOf returns the machine readable reason code of an error
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ReasonInternal
}

// Is reports whether err carries the given taxonomy type
func Is(err error, errorType ErrorType) bool {
	return err != nil && GetErrorType(err) == errorType
}

// IsValidation reports a validation error
func IsValidation(err error) bool { return Is(err, ErrorTypeValidation) }

// IsConflict reports a conflict error
func IsConflict(err error) bool { return Is(err, ErrorTypeConflict) }

// IsTransient reports a transient infrastructure error
func IsTransient(err error) bool { return Is(err, ErrorTypeTransientInfra) }

// IsIntegrity reports an integrity error
func IsIntegrity(err error) bool { return Is(err, ErrorTypeIntegrity) }

// IsNotFound reports a not found error
func IsNotFound(err error) bool { return Is(err, ErrorTypeNotFound) }

// IsCancelled reports a cancellation
func IsCancelled(err error) bool { return Is(err, ErrorTypeCancelled) }

// IsDuplicate reports a unique key violation
func IsDuplicate(err error) bool {
	return err != nil && NewErrorClassifier().ClassifyError(err).Reason == ReasonDuplicateEntry
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return fmt.Sprintf("%s [%s]", appErr.GetUserMessage(), appErr.Reason)
	}

	return "An unexpected error occurred. Please check the logs for more details."
}

// WrapError wraps an existing error with additional context, keeping its classification
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, appErr.Reason, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	wrapped := NewAppError(classified.Type, classified.Reason, message, err)
	wrapped.Recoverable = classified.Recoverable
	return wrapped
}
