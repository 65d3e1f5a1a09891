package credstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/pkg/models"
)

// BackendDirectory is the registry name of DirectoryStore.
const BackendDirectory = "directory"

// Attribute names on an identity entry.
const (
	attrID           = "wardenID"
	attrRole         = "wardenRole"
	attrGroup        = "wardenGroup"
	attrSuspended    = "wardenSuspended"
	attrCreated      = "wardenCreated"
	attrSaltID       = "wardenSaltID"
	attrSalt         = "wardenSalt"
	attrSaltCreated  = "wardenSaltCreated"
	attrHash         = "wardenHash"
	attrKDF          = "wardenKDF"
	attrUpdated      = "wardenUpdated"
	attrFailures     = "wardenFailures"
	attrSFFailures   = "wardenSFFailures"
	attrLocked       = "wardenLocked"
	attrOLRLocked    = "wardenOLRLocked"
	attrVersion      = "wardenVersion"
	attrQuestion     = "wardenQuestion"
	attrAnswerHash   = "wardenAnswerHash"
	attrResetSalt    = "wardenResetSalt"
	attrQuestionKDF  = "wardenQuestionKDF"
	attrTOTP         = "wardenTOTP"
	attrResetToken   = "wardenResetToken"
	attrResetCode    = "wardenResetCode"
	attrResetCreated = "wardenResetCreated"
)

// Conn is the subset of *ldap.Conn the store uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
}

// DirectoryConfig is read from the backends.directory config subtree.
type DirectoryConfig struct {
	URL          string        `mapstructure:"url"`
	BindDN       string        `mapstructure:"bind_dn"`
	BindPassword string        `mapstructure:"bind_password"`
	BaseDN       string        `mapstructure:"base_dn"`
	UserAttr     string        `mapstructure:"user_attr"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (c *DirectoryConfig) defaults() {
	if c.UserAttr == "" {
		c.UserAttr = "uid"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Compile-time interface guard.
var _ Store = (*DirectoryStore)(nil)

// DirectoryStore implements Store on an LDAP directory. Each identity is
// one entry; every mutation is a single modify of that entry, which LDAP
// applies atomically. Counter updates use delete-old/add-new on the
// version attribute as compare-and-swap.
type DirectoryStore struct {
	cfg    DirectoryConfig
	conn   Conn
	closer func() error
	logger *zap.Logger
	now    func() time.Time
}

// DialDirectory connects and binds with the service account.
func DialDirectory(cfg DirectoryConfig, logger *zap.Logger) (*DirectoryStore, error) {
	cfg.defaults()
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial directory %s: %w", cfg.URL, err)
	}
	conn.SetTimeout(cfg.Timeout)
	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind directory as %s: %w", cfg.BindDN, err)
		}
	}
	return NewDirectoryStore(cfg, conn, conn.Close, logger), nil
}

// NewDirectoryStore wraps an established connection. closer may be nil.
func NewDirectoryStore(cfg DirectoryConfig, conn Conn, closer func() error, logger *zap.Logger) *DirectoryStore {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryStore{
		cfg:    cfg,
		conn:   conn,
		closer: closer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *DirectoryStore) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

func (d *DirectoryStore) fail(op string, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	e := &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrUnavailable, Err: err}
	var lerr *ldap.Error
	switch {
	case errors.As(err, &lerr):
		e.Code = strconv.Itoa(int(lerr.ResultCode))
		switch lerr.ResultCode {
		case ldap.LDAPResultNoSuchObject:
			e.Kind = ErrNotFound
		case ldap.LDAPResultEntryAlreadyExists:
			e.Kind = ErrConflict
		}
	case errors.Is(err, context.DeadlineExceeded):
		e.Code = "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		e.Code = "canceled"
	}
	return e
}

func (d *DirectoryStore) notFound(op string) error {
	return &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrNotFound,
		Code: strconv.Itoa(ldap.LDAPResultNoSuchObject)}
}

func (d *DirectoryStore) conflict(op string) error {
	return &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrConflict,
		Code: strconv.Itoa(ldap.LDAPResultNoSuchAttribute)}
}

// searchOne returns the single identity entry matching filter. The ctx is
// checked first because LDAP operations are bounded by the connection
// timeout rather than the context.
func (d *DirectoryStore) searchOne(ctx context.Context, op, filter string) (*ldap.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, d.fail(op, err)
	}
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, 0, false,
		filter, []string{"*"}, nil,
	)
	res, err := d.conn.Search(req)
	if err != nil {
		return nil, d.fail(op, err)
	}
	switch len(res.Entries) {
	case 0:
		return nil, d.notFound(op)
	case 1:
		return res.Entries[0], nil
	default:
		return nil, &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrConflict, Code: "ambiguous"}
	}
}

func (d *DirectoryStore) byID(ctx context.Context, op, id string) (*ldap.Entry, error) {
	return d.searchOne(ctx, op, fmt.Sprintf("(%s=%s)", attrID, ldap.EscapeFilter(id)))
}

func (d *DirectoryStore) modify(ctx context.Context, op string, req *ldap.ModifyRequest) error {
	if err := ctx.Err(); err != nil {
		return d.fail(op, err)
	}
	if err := d.conn.Modify(req); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return d.conflict(op)
		}
		return d.fail(op, err)
	}
	return nil
}

func (d *DirectoryStore) LookupIdentity(ctx context.Context, username string) (*models.Identity, error) {
	e, err := d.searchOne(ctx, "lookup identity",
		fmt.Sprintf("(&(%s=*)(%s=%s))", attrID, d.cfg.UserAttr, ldap.EscapeFilter(username)))
	if err != nil {
		return nil, err
	}
	return d.identity(e), nil
}

func (d *DirectoryStore) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	e, err := d.byID(ctx, "get identity", id)
	if err != nil {
		return nil, err
	}
	return d.identity(e), nil
}

func (d *DirectoryStore) identity(e *ldap.Entry) *models.Identity {
	return &models.Identity{
		ID:        e.GetAttributeValue(attrID),
		Username:  e.GetAttributeValue(d.cfg.UserAttr),
		Role:      models.Role(e.GetAttributeValue(attrRole)),
		Groups:    e.GetAttributeValues(attrGroup),
		Suspended: e.GetAttributeValue(attrSuspended) == "TRUE",
		CreatedAt: parseTime(e.GetAttributeValue(attrCreated)),
	}
}

func (d *DirectoryStore) CreateIdentity(ctx context.Context, en Enrollment) error {
	const op = "create identity"
	if en.Identity == nil || en.Salt == nil || en.Credential == nil {
		return fmt.Errorf("credstore: %s: identity, salt and credential are required", op)
	}
	if err := ctx.Err(); err != nil {
		return d.fail(op, err)
	}
	ident := en.Identity
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	now := d.now()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	if _, err := d.LookupIdentity(ctx, ident.Username); err == nil {
		return &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrConflict,
			Code: strconv.Itoa(ldap.LDAPResultEntryAlreadyExists)}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	salt, cred := en.Salt, en.Credential
	if salt.ID == "" {
		salt.ID = uuid.New().String()
	}
	salt.IdentityID, salt.Purpose = ident.ID, models.SaltLogon
	if salt.CreatedAt.IsZero() {
		salt.CreatedAt = now
	}
	cred.IdentityID, cred.SaltID, cred.UpdatedAt = ident.ID, salt.ID, now

	dn := fmt.Sprintf("%s=%s,%s", d.cfg.UserAttr, ldap.EscapeDN(ident.Username), d.cfg.BaseDN)
	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "inetOrgPerson", "extensibleObject"})
	req.Attribute("cn", []string{ident.Username})
	req.Attribute("sn", []string{ident.Username})
	req.Attribute(d.cfg.UserAttr, []string{ident.Username})
	req.Attribute(attrID, []string{ident.ID})
	req.Attribute(attrRole, []string{string(ident.Role)})
	if len(ident.Groups) > 0 {
		req.Attribute(attrGroup, ident.Groups)
	}
	req.Attribute(attrSuspended, []string{boolAttr(ident.Suspended)})
	req.Attribute(attrCreated, []string{formatTime(ident.CreatedAt)})
	req.Attribute(attrSaltID, []string{salt.ID})
	req.Attribute(attrSalt, []string{b64(salt.Value)})
	req.Attribute(attrSaltCreated, []string{formatTime(salt.CreatedAt)})
	req.Attribute(attrHash, []string{b64(cred.Hash)})
	req.Attribute(attrKDF, []string{formatParams(cred.Params)})
	req.Attribute(attrUpdated, []string{formatTime(now)})
	req.Attribute(attrFailures, []string{"0"})
	req.Attribute(attrSFFailures, []string{"0"})
	req.Attribute(attrLocked, []string{"FALSE"})
	req.Attribute(attrOLRLocked, []string{"FALSE"})
	req.Attribute(attrVersion, []string{"0"})
	if q := en.Question; q != nil {
		req.Attribute(attrQuestion, []string{q.Question})
		req.Attribute(attrAnswerHash, []string{b64(q.AnswerHash)})
		req.Attribute(attrResetSalt, []string{b64(q.Salt)})
		req.Attribute(attrQuestionKDF, []string{formatParams(q.Params)})
	}
	if err := d.conn.Add(req); err != nil {
		return d.fail(op, err)
	}
	return nil
}

func (d *DirectoryStore) SetSuspended(ctx context.Context, id string, suspended bool) error {
	const op = "set suspended"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(e.DN, nil)
	req.Replace(attrSuspended, []string{boolAttr(suspended)})
	return d.modify(ctx, op, req)
}

func (d *DirectoryStore) GetCredential(ctx context.Context, id string) (*models.CredentialRecord, *models.SaltRecord, error) {
	const op = "get credential"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return nil, nil, err
	}
	hash, err1 := unb64(e.GetAttributeValue(attrHash))
	value, err2 := unb64(e.GetAttributeValue(attrSalt))
	params, err3 := parseParams(e.GetAttributeValue(attrKDF))
	if err := errors.Join(err1, err2, err3); err != nil || len(hash) == 0 {
		return nil, nil, &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrNotFound, Code: "malformed_entry", Err: err}
	}
	salt := &models.SaltRecord{
		ID:         e.GetAttributeValue(attrSaltID),
		IdentityID: id,
		Purpose:    models.SaltLogon,
		Value:      value,
		CreatedAt:  parseTime(e.GetAttributeValue(attrSaltCreated)),
	}
	cred := &models.CredentialRecord{
		IdentityID: id,
		Hash:       hash,
		Params:     params,
		SaltID:     salt.ID,
		UpdatedAt:  parseTime(e.GetAttributeValue(attrUpdated)),
	}
	return cred, salt, nil
}

func (d *DirectoryStore) RotateCredential(ctx context.Context, id string, salt *models.SaltRecord, cred *models.CredentialRecord) error {
	const op = "rotate credential"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(e.DN, nil)
	d.replaceCredential(req, id, salt, cred)
	return d.modify(ctx, op, req)
}

func (d *DirectoryStore) replaceCredential(req *ldap.ModifyRequest, id string, salt *models.SaltRecord, cred *models.CredentialRecord) {
	now := d.now()
	if salt.ID == "" {
		salt.ID = uuid.New().String()
	}
	salt.IdentityID, salt.Purpose = id, models.SaltLogon
	if salt.CreatedAt.IsZero() {
		salt.CreatedAt = now
	}
	cred.IdentityID, cred.SaltID, cred.UpdatedAt = id, salt.ID, now

	req.Replace(attrSaltID, []string{salt.ID})
	req.Replace(attrSalt, []string{b64(salt.Value)})
	req.Replace(attrSaltCreated, []string{formatTime(salt.CreatedAt)})
	req.Replace(attrHash, []string{b64(cred.Hash)})
	req.Replace(attrKDF, []string{formatParams(cred.Params)})
	req.Replace(attrUpdated, []string{formatTime(now)})
}

func (d *DirectoryStore) GetLockout(ctx context.Context, id string) (*models.LockoutState, error) {
	e, err := d.byID(ctx, "get lockout", id)
	if err != nil {
		return nil, err
	}
	return lockoutFrom(id, e), nil
}

func lockoutFrom(id string, e *ldap.Entry) *models.LockoutState {
	failures, _ := strconv.Atoi(e.GetAttributeValue(attrFailures))
	sf, _ := strconv.Atoi(e.GetAttributeValue(attrSFFailures))
	version, _ := strconv.ParseInt(e.GetAttributeValue(attrVersion), 10, 64)
	return &models.LockoutState{
		IdentityID:           id,
		Failures:             failures,
		SecondFactorFailures: sf,
		Locked:               e.GetAttributeValue(attrLocked) == "TRUE",
		OnlineResetLocked:    e.GetAttributeValue(attrOLRLocked) == "TRUE",
		Version:              version,
	}
}

func (d *DirectoryStore) RecordFailure(ctx context.Context, id string, threshold int) (*models.LockoutState, error) {
	return d.mutateLockout(ctx, "record failure", id, func(l *models.LockoutState) {
		applyFailure(l, threshold)
	})
}

func (d *DirectoryStore) RecordSecondFactorFailure(ctx context.Context, id string, limit int) (*models.LockoutState, error) {
	return d.mutateLockout(ctx, "record second factor failure", id, func(l *models.LockoutState) {
		applySecondFactorFailure(l, limit)
	})
}

func (d *DirectoryStore) ClearFailures(ctx context.Context, id string) error {
	_, err := d.mutateLockout(ctx, "clear failures", id, func(l *models.LockoutState) {
		l.Failures = 0
	})
	return err
}

func (d *DirectoryStore) ClearSecondFactorFailures(ctx context.Context, id string) error {
	_, err := d.mutateLockout(ctx, "clear second factor failures", id, func(l *models.LockoutState) {
		l.SecondFactorFailures = 0
	})
	return err
}

func (d *DirectoryStore) ResetLockout(ctx context.Context, id string) error {
	_, err := d.mutateLockout(ctx, "reset lockout", id, func(l *models.LockoutState) {
		*l = models.LockoutState{IdentityID: l.IdentityID, Version: l.Version}
	})
	return err
}

// mutateLockout retries the read-modify-CAS cycle up to MaxRetries times.
func (d *DirectoryStore) mutateLockout(ctx context.Context, op, id string, fn func(*models.LockoutState)) (*models.LockoutState, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		e, err := d.byID(ctx, op, id)
		if err != nil {
			return nil, err
		}
		l := lockoutFrom(id, e)
		prev := l.Version
		fn(l)
		l.Version = prev + 1

		req := ldap.NewModifyRequest(e.DN, nil)
		writeLockoutAttrs(req, l, prev)
		err = d.modify(ctx, op, req)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		d.logger.Debug("lockout update lost race, retrying",
			zap.String("identity_id", id),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

func writeLockoutAttrs(req *ldap.ModifyRequest, l *models.LockoutState, prevVersion int64) {
	req.Delete(attrVersion, []string{strconv.FormatInt(prevVersion, 10)})
	req.Add(attrVersion, []string{strconv.FormatInt(l.Version, 10)})
	req.Replace(attrFailures, []string{strconv.Itoa(l.Failures)})
	req.Replace(attrSFFailures, []string{strconv.Itoa(l.SecondFactorFailures)})
	req.Replace(attrLocked, []string{boolAttr(l.Locked)})
	req.Replace(attrOLRLocked, []string{boolAttr(l.OnlineResetLocked)})
}

func (d *DirectoryStore) GetSecurityQuestion(ctx context.Context, id string) (*models.SecurityQuestion, error) {
	const op = "get security question"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return nil, err
	}
	question := e.GetAttributeValue(attrQuestion)
	if question == "" {
		return nil, d.notFound(op)
	}
	answer, err1 := unb64(e.GetAttributeValue(attrAnswerHash))
	salt, err2 := unb64(e.GetAttributeValue(attrResetSalt))
	params, err3 := parseParams(e.GetAttributeValue(attrQuestionKDF))
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrNotFound, Code: "malformed_entry", Err: err}
	}
	return &models.SecurityQuestion{
		IdentityID: id,
		Question:   question,
		AnswerHash: answer,
		Salt:       salt,
		Params:     params,
	}, nil
}

func (d *DirectoryStore) GetTOTPSecret(ctx context.Context, id string) ([]byte, error) {
	const op = "get totp secret"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return nil, err
	}
	v := e.GetAttributeValue(attrTOTP)
	if v == "" {
		return nil, d.notFound(op)
	}
	sealed, err := unb64(v)
	if err != nil {
		return nil, &BackendError{Backend: BackendDirectory, Op: op, Kind: ErrNotFound, Code: "malformed_entry", Err: err}
	}
	return sealed, nil
}

func (d *DirectoryStore) SetTOTPSecret(ctx context.Context, id string, sealed []byte) error {
	const op = "set totp secret"
	e, err := d.byID(ctx, op, id)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(e.DN, nil)
	req.Replace(attrTOTP, []string{b64(sealed)})
	return d.modify(ctx, op, req)
}

// PutResetRequest stores the request on the identity entry, replacing any
// earlier one.
func (d *DirectoryStore) PutResetRequest(ctx context.Context, r *models.ResetRequest) error {
	const op = "put reset request"
	e, err := d.byID(ctx, op, r.IdentityID)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(e.DN, nil)
	req.Replace(attrResetToken, []string{r.TokenHash})
	req.Replace(attrResetCode, nonEmpty(r.CodeHash))
	req.Replace(attrResetCreated, []string{formatTime(r.CreatedAt)})
	return d.modify(ctx, op, req)
}

func (d *DirectoryStore) resetEntry(ctx context.Context, op, tokenHash string) (*ldap.Entry, error) {
	return d.searchOne(ctx, op, fmt.Sprintf("(&(%s=*)(%s=%s))", attrID, attrResetToken, ldap.EscapeFilter(tokenHash)))
}

func (d *DirectoryStore) GetResetRequest(ctx context.Context, tokenHash string) (*models.ResetRequest, error) {
	e, err := d.resetEntry(ctx, "get reset request", tokenHash)
	if err != nil {
		return nil, err
	}
	return &models.ResetRequest{
		TokenHash:  tokenHash,
		IdentityID: e.GetAttributeValue(attrID),
		CodeHash:   e.GetAttributeValue(attrResetCode),
		CreatedAt:  parseTime(e.GetAttributeValue(attrResetCreated)),
	}, nil
}

// ConsumeResetRequest deletes the token value itself, so a second consumer
// gets noSuchAttribute and therefore ErrNotFound.
func (d *DirectoryStore) ConsumeResetRequest(ctx context.Context, tokenHash string) error {
	const op = "consume reset request"
	e, err := d.resetEntry(ctx, op, tokenHash)
	if err != nil {
		return err
	}
	req := ldap.NewModifyRequest(e.DN, nil)
	clearReset(req, tokenHash)
	return d.asConsumed(d.modify(ctx, op, req))
}

// CompleteReset consumes the token, rotates the credential and clears the
// lockout attributes in one modify of the identity entry.
func (d *DirectoryStore) CompleteReset(ctx context.Context, tokenHash string, salt *models.SaltRecord, cred *models.CredentialRecord) error {
	const op = "complete reset"
	e, err := d.resetEntry(ctx, op, tokenHash)
	if err != nil {
		return err
	}
	id := e.GetAttributeValue(attrID)
	if id != cred.IdentityID {
		return d.notFound(op)
	}
	prev := lockoutFrom(id, e).Version

	req := ldap.NewModifyRequest(e.DN, nil)
	clearReset(req, tokenHash)
	d.replaceCredential(req, id, salt, cred)
	writeLockoutAttrs(req, &models.LockoutState{IdentityID: id, Version: prev + 1}, prev)
	return d.asConsumed(d.modify(ctx, op, req))
}

func clearReset(req *ldap.ModifyRequest, tokenHash string) {
	req.Delete(attrResetToken, []string{tokenHash})
	req.Replace(attrResetCode, nil)
	req.Replace(attrResetCreated, nil)
}

// asConsumed maps a lost race on the token value to ErrNotFound.
func (d *DirectoryStore) asConsumed(err error) error {
	var be *BackendError
	if errors.As(err, &be) && be.Kind == ErrConflict {
		be.Kind = ErrNotFound
	}
	return err
}

func formatParams(p models.KDFParams) string {
	return fmt.Sprintf("%s:%d:%d", p.Name, p.Iterations, p.KeyLength)
}

func parseParams(s string) (models.KDFParams, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return models.KDFParams{}, fmt.Errorf("malformed kdf attribute %q", s)
	}
	iter, err1 := strconv.Atoi(parts[1])
	keyLen, err2 := strconv.Atoi(parts[2])
	if err := errors.Join(err1, err2); err != nil {
		return models.KDFParams{}, fmt.Errorf("malformed kdf attribute %q: %w", s, err)
	}
	return models.KDFParams{Name: parts[0], Iterations: iter, KeyLength: keyLen}, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolAttr(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
