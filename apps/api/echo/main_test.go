package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/user"
	emailsvc "github.com/shulehub/shule/services/email"
	inmemdb "github.com/shulehub/shule/storage/database/inmem"
)

var (
	conf     *core.Config
	app      *Server
	usrRepo  user.Repository
	usrSvc   user.ServiceInterface
	verifier *verifierStub

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
)

func TestMain(m *testing.M) {
	conf = &core.Config{
		AppName:                   "Shule",
		TestMode:                  true,
		SecretKey:                 "secret",
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
		Server: core.ServerConfig{
			JWTExpirationDelta:        7 * 24 * time.Hour,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
	}

	validate := validator.New()
	enLocale := en.New()
	translator, _ := ut.New(enLocale, enLocale).GetTranslator(enLocale.Locale())
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	repo := inmemdb.NewUserRepository()
	usrRepo = repo

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc = user.NewService(repo, mailSvc, conf)

	verifier = &verifierStub{identities: make(map[string]Identity)}

	app = NewServer(ServerDeps{
		Conf:              conf,
		Logger:            nopLogger{},
		UserSvc:           usrSvc,
		AssertionVerifier: verifier,
		Validate:          validate,
		Translator:        translator,
		DisableReqLogs:    true,
	})

	os.Exit(m.Run())
}

// verifierStub accepts exactly the assertions registered on it.
type verifierStub struct {
	identities map[string]Identity
}

func (v *verifierStub) Verify(_ context.Context, idToken string) (Identity, error) {
	if identity, ok := v.identities[idToken]; ok {
		return identity, nil
	}
	return Identity{}, errors.Wrap(ErrAssertionInvalid, "looking up assertion")
}

func (v *verifierStub) accept(idToken, email string) {
	v.identities[idToken] = Identity{Email: email, UID: idToken, Expiry: time.Now().Add(time.Hour)}
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type httpErr struct {
	Error string `json:"error"`
}

type httpDetailErr struct {
	Detail string `json:"detail"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func createUser(t *testing.T, name, email, role, pwd string, isActive bool) user.User {
	t.Helper()
	usr, err := usrSvc.Create(context.Background(), user.NewUser{
		FirstName:       name,
		LastName:        "Test",
		Email:           email,
		Password:        pwd,
		PasswordConfirm: pwd,
		Role:            role,
	})
	if err != nil {
		t.Fatalf("createUser(): %v", err)
	}
	if !isActive {
		inactive := false
		usr, err = usrRepo.UpdateUser(context.Background(), usr, &inactive)
		if err != nil {
			t.Fatalf("createUser(): deactivating: %v", err)
		}
	}
	return usr
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, usr user.User) string {
	t.Helper()
	token, err := GenerateToken(conf, getUserClaims(conf, usr))
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
