package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eventra/enroll/jwt"
	"github.com/eventra/enroll/password"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestHasher(t *testing.T) *password.Argon2 {
	t.Helper()

	h, err := password.NewArgon2(password.Config{
		Memory:      65536,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func testRegistrationConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-signing-secret")
	cfg.Registration.EnableEmailThrottle = false
	cfg.Registration.EnableIPThrottle = false
	return cfg
}

func newTestEngine(t *testing.T, rdb *redis.Client, dir UserDirectory, m Mailer, cfg Config) *Engine {
	t.Helper()

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
	})
	if err != nil {
		t.Fatalf("jwt.NewManager failed: %v", err)
	}

	return &Engine{
		config:              cfg,
		registrationStore:   newRegistrationStore(rdb),
		registrationLimiter: newRegistrationLimiter(rdb),
		resetStore:          newPasswordResetStore(rdb),
		resetLimiter:        newResetRequestLimiter(rdb),
		metrics:             NewMetrics(cfg.Metrics),
		passwordHash:        newTestHasher(t),
		jwtManager:          jm,
		validate:            validator.New(validator.WithRequiredStructEnabled()),
		directory:           dir,
		mailer:              m,
	}
}

type mockDirectory struct {
	mu          sync.Mutex
	usersByID   map[string]User
	emailToID   map[string]string
	nameToID    map[string]string
	hashes      map[string]string
	nextID      int
	createCalls int
	createErr   error
	updateErr   error
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		usersByID: make(map[string]User),
		emailToID: make(map[string]string),
		nameToID:  make(map[string]string),
		hashes:    make(map[string]string),
	}
}

func (d *mockDirectory) seed(email, username, hash string) User {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	u := User{
		ID:       fmt.Sprintf("u%d", d.nextID),
		Email:    email,
		Username: username,
	}
	d.usersByID[u.ID] = u
	d.emailToID[email] = u.ID
	d.nameToID[username] = u.ID
	d.hashes[u.ID] = hash
	return u
}

func (d *mockDirectory) EmailExists(_ context.Context, email string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.emailToID[email]
	return ok, nil
}

func (d *mockDirectory) UsernameExists(_ context.Context, username string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nameToID[username]
	return ok, nil
}

func (d *mockDirectory) CreateUser(_ context.Context, input CreateUserInput) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.createCalls++
	if d.createErr != nil {
		return User{}, d.createErr
	}
	if _, ok := d.emailToID[input.Email]; ok {
		return User{}, fmt.Errorf("email: %w", ErrDirectoryDuplicate)
	}
	if _, ok := d.nameToID[input.Username]; ok {
		return User{}, fmt.Errorf("username: %w", ErrDirectoryDuplicate)
	}

	d.nextID++
	u := User{
		ID:        fmt.Sprintf("u%d", d.nextID),
		Email:     input.Email,
		Firstname: input.Firstname,
		Lastname:  input.Lastname,
		Username:  input.Username,
		CreatedAt: time.Now(),
	}
	d.usersByID[u.ID] = u
	d.emailToID[u.Email] = u.ID
	d.nameToID[u.Username] = u.ID
	d.hashes[u.ID] = input.PasswordHash
	return u, nil
}

func (d *mockDirectory) GetUserByEmail(_ context.Context, email string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.emailToID[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return d.usersByID[id], nil
}

func (d *mockDirectory) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.updateErr != nil {
		return d.updateErr
	}
	if _, ok := d.usersByID[userID]; !ok {
		return ErrUserNotFound
	}
	d.hashes[userID] = newHash
	return nil
}

func (d *mockDirectory) hashFor(userID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hashes[userID]
}

type captureMailer struct {
	mu      sync.Mutex
	emails  []string
	codes   []string
	tokens  []string
	sendErr error
}

func (m *captureMailer) SendVerificationCode(_ context.Context, email, code string, _ time.Duration, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.emails = append(m.emails, email)
	m.codes = append(m.codes, code)
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, token string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.emails = append(m.emails, email)
	m.tokens = append(m.tokens, token)
	return nil
}

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		t.Fatal("expected at least one dispatched code")
	}
	return m.codes[len(m.codes)-1]
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokens) == 0 {
		t.Fatal("expected at least one dispatched token")
	}
	return m.tokens[len(m.tokens)-1]
}

func (m *captureMailer) tokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func wrongCodeFor(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func testSignup() SignupRequest {
	return SignupRequest{
		Email:     "Alice@Example.com",
		Firstname: "Alice",
		Lastname:  "Smith",
		Username:  "alice1",
		Password:  "correct-horse-battery",
	}
}

func TestRegistrationFlowSuccess(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	mailer := &captureMailer{}
	engine := newTestEngine(t, rdb, dir, mailer, testRegistrationConfig())

	result, err := engine.BeginRegistration(ctx, testSignup())
	if err != nil {
		t.Fatalf("BeginRegistration failed: %v", err)
	}
	if result.RegistrationID == "" {
		t.Fatal("expected non-empty registration ID")
	}
	if rdb.Exists(ctx, "prg:"+result.RegistrationID).Val() != 1 {
		t.Fatal("expected pending registration key to exist")
	}

	code := mailer.lastCode(t)

	if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, wrongCodeFor(code)); !errors.Is(err, ErrRegistrationInvalid) {
		t.Fatalf("expected ErrRegistrationInvalid for wrong code, got %v", err)
	}

	verified, err := engine.VerifyRegistration(ctx, result.RegistrationID, code)
	if err != nil {
		t.Fatalf("VerifyRegistration failed: %v", err)
	}
	if verified.User.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", verified.User.Email)
	}
	if rdb.Exists(ctx, "prg:"+result.RegistrationID).Val() != 0 {
		t.Fatal("expected pending registration key to be deleted")
	}

	claims, err := engine.jwtManager.ParseAccess(verified.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.UID != verified.User.ID {
		t.Fatalf("expected token UID %q, got %q", verified.User.ID, claims.UID)
	}
}

func TestBeginRegistrationDuplicateEmail(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	dir.seed("alice@example.com", "existing", "hash")
	engine := newTestEngine(t, rdb, dir, &captureMailer{}, testRegistrationConfig())

	if _, err := engine.BeginRegistration(ctx, testSignup()); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestBeginRegistrationDuplicateUsername(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	dir.seed("other@example.com", "alice1", "hash")
	engine := newTestEngine(t, rdb, dir, &captureMailer{}, testRegistrationConfig())

	if _, err := engine.BeginRegistration(ctx, testSignup()); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestBeginRegistrationInvalidSignup(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	engine := newTestEngine(t, rdb, newMockDirectory(), &captureMailer{}, testRegistrationConfig())

	req := testSignup()
	req.Email = "not-an-email"

	if _, err := engine.BeginRegistration(ctx, req); !errors.Is(err, ErrSignupInvalid) {
		t.Fatalf("expected ErrSignupInvalid, got %v", err)
	}
}

func TestVerifyRegistrationAttemptCeiling(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	mailer := &captureMailer{}
	engine := newTestEngine(t, rdb, dir, mailer, testRegistrationConfig())

	result, err := engine.BeginRegistration(ctx, testSignup())
	if err != nil {
		t.Fatalf("BeginRegistration failed: %v", err)
	}

	code := mailer.lastCode(t)
	wrong := wrongCodeFor(code)

	max := engine.config.Registration.MaxVerifyAttempts
	for i := 0; i < max; i++ {
		if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, wrong); !errors.Is(err, ErrRegistrationInvalid) {
			t.Fatalf("guess %d: expected ErrRegistrationInvalid, got %v", i+1, err)
		}
	}

	if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, wrong); !errors.Is(err, ErrVerifyAttemptsExceeded) {
		t.Fatalf("expected ErrVerifyAttemptsExceeded, got %v", err)
	}

	// Record was purged, so even the correct code is now rejected.
	if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, code); !errors.Is(err, ErrRegistrationInvalid) {
		t.Fatalf("expected ErrRegistrationInvalid after purge, got %v", err)
	}
}

func TestResendCodeCeiling(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	mailer := &captureMailer{}
	engine := newTestEngine(t, rdb, dir, mailer, testRegistrationConfig())

	result, err := engine.BeginRegistration(ctx, testSignup())
	if err != nil {
		t.Fatalf("BeginRegistration failed: %v", err)
	}
	firstCode := mailer.lastCode(t)

	for i := 0; i < engine.config.Registration.MaxResends; i++ {
		if err := engine.ResendCode(ctx, result.RegistrationID); err != nil {
			t.Fatalf("resend %d failed: %v", i+1, err)
		}
	}

	if err := engine.ResendCode(ctx, result.RegistrationID); !errors.Is(err, ErrResendLimitExceeded) {
		t.Fatalf("expected ErrResendLimitExceeded, got %v", err)
	}

	latest := mailer.lastCode(t)
	if latest == firstCode {
		t.Fatal("expected resend to rotate the code")
	}

	if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, latest); err != nil {
		t.Fatalf("VerifyRegistration with latest code failed: %v", err)
	}
}

func TestResendCodeUnknownRegistration(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	engine := newTestEngine(t, rdb, newMockDirectory(), &captureMailer{}, testRegistrationConfig())

	if err := engine.ResendCode(ctx, "missing"); !errors.Is(err, ErrRegistrationInvalid) {
		t.Fatalf("expected ErrRegistrationInvalid, got %v", err)
	}
}

func TestVerifyRegistrationDirectoryDuplicate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	mailer := &captureMailer{}
	engine := newTestEngine(t, rdb, dir, mailer, testRegistrationConfig())

	result, err := engine.BeginRegistration(ctx, testSignup())
	if err != nil {
		t.Fatalf("BeginRegistration failed: %v", err)
	}

	// A concurrent finalize won the race: the transactional insert now
	// reports a duplicate even though the pre-checks passed.
	dir.createErr = fmt.Errorf("insert: %w", ErrDirectoryDuplicate)

	if _, err := engine.VerifyRegistration(ctx, result.RegistrationID, mailer.lastCode(t)); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if rdb.Exists(ctx, "prg:"+result.RegistrationID).Val() != 0 {
		t.Fatal("expected pending registration to be purged on conflict")
	}
}

func TestBeginRegistrationEmailThrottle(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	cfg := testRegistrationConfig()
	cfg.Registration.EnableEmailThrottle = true
	cfg.Registration.MaxBeginRequests = 2
	cfg.Registration.BeginWindow = 15 * time.Minute
	engine := newTestEngine(t, rdb, newMockDirectory(), &captureMailer{}, cfg)

	for i := 0; i < 2; i++ {
		if _, err := engine.BeginRegistration(ctx, testSignup()); err != nil {
			t.Fatalf("begin %d failed: %v", i+1, err)
		}
	}

	if _, err := engine.BeginRegistration(ctx, testSignup()); !errors.Is(err, ErrRegistrationRateLimited) {
		t.Fatalf("expected ErrRegistrationRateLimited, got %v", err)
	}
}

func TestCheckAvailability(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	dir := newMockDirectory()
	dir.seed("taken@example.com", "taken1", "hash")
	engine := newTestEngine(t, rdb, dir, &captureMailer{}, testRegistrationConfig())

	available, err := engine.CheckEmailAvailability(ctx, "Taken@Example.com")
	if err != nil {
		t.Fatalf("CheckEmailAvailability failed: %v", err)
	}
	if available {
		t.Fatal("expected taken email to be unavailable")
	}

	available, err = engine.CheckUsernameAvailability(ctx, "fresh")
	if err != nil {
		t.Fatalf("CheckUsernameAvailability failed: %v", err)
	}
	if !available {
		t.Fatal("expected fresh username to be available")
	}
}
