package contract

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go/peer"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// compositeKeyNamespace mirrors the shim's composite key encoding so partial
// key scans behave like the real stub.
const compositeKeyNamespace = "\x00"

// mockStub is a minimal in-memory ChaincodeStubInterface for contract tests.
// Unimplemented methods panic via the embedded nil interface.
type mockStub struct {
	shim.ChaincodeStubInterface

	state   map[string][]byte
	history map[string][]*queryresult.KeyModification
	events  map[string][]byte
	txID    string
	txTime  time.Time

	richQueryErr error // forces GetQueryResultWithPagination to fail (LevelDB behavior)
}

func newMockStub() *mockStub {
	return &mockStub{
		state:        make(map[string][]byte),
		history:      make(map[string][]*queryresult.KeyModification),
		events:       make(map[string][]byte),
		txID:         "tx-1",
		txTime:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		richQueryErr: errors.New("rich queries not supported on this state database"),
	}
}

func (m *mockStub) GetTxID() string { return m.txID }

func (m *mockStub) GetTxTimestamp() (*timestamppb.Timestamp, error) {
	return timestamppb.New(m.txTime), nil
}

func (m *mockStub) GetState(key string) ([]byte, error) {
	v, ok := m.state[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *mockStub) PutState(key string, value []byte) error {
	m.state[key] = value
	m.history[key] = append(m.history[key], &queryresult.KeyModification{
		TxId:      m.txID,
		Value:     append([]byte{}, value...),
		Timestamp: timestamppb.New(m.txTime),
	})
	return nil
}

func (m *mockStub) DelState(key string) error {
	delete(m.state, key)
	m.history[key] = append(m.history[key], &queryresult.KeyModification{
		TxId:      m.txID,
		IsDelete:  true,
		Timestamp: timestamppb.New(m.txTime),
	})
	return nil
}

func (m *mockStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	key := compositeKeyNamespace + objectType + compositeKeyNamespace
	for _, attr := range attributes {
		key += attr + compositeKeyNamespace
	}
	return key, nil
}

func (m *mockStub) SetEvent(name string, payload []byte) error {
	m.events[name] = payload
	return nil
}

func (m *mockStub) keysWithPrefix(prefix string) []string {
	keys := []string{}
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *mockStub) GetStateByPartialCompositeKey(objectType string, attributes []string) (shim.StateQueryIteratorInterface, error) {
	prefix, _ := m.CreateCompositeKey(objectType, attributes)
	prefix = strings.TrimSuffix(prefix, compositeKeyNamespace)
	kvs := []*queryresult.KV{}
	for _, k := range m.keysWithPrefix(prefix) {
		kvs = append(kvs, &queryresult.KV{Key: k, Value: m.state[k]})
	}
	return &mockStateIterator{kvs: kvs}, nil
}

func (m *mockStub) GetStateByPartialCompositeKeyWithPagination(objectType string, attributes []string, pageSize int32, bookmark string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	iter, err := m.GetStateByPartialCompositeKey(objectType, attributes)
	if err != nil {
		return nil, nil, err
	}
	return iter, &peer.QueryResponseMetadata{Bookmark: ""}, nil
}

func (m *mockStub) GetQueryResultWithPagination(query string, pageSize int32, bookmark string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return nil, nil, m.richQueryErr
}

func (m *mockStub) GetHistoryForKey(key string) (shim.HistoryQueryIteratorInterface, error) {
	return &mockHistoryIterator{mods: m.history[key]}, nil
}

type mockStateIterator struct {
	kvs []*queryresult.KV
	pos int
}

func (it *mockStateIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *mockStateIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, errors.New("no more items")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, nil
}

func (it *mockStateIterator) Close() error { return nil }

type mockHistoryIterator struct {
	mods []*queryresult.KeyModification
	pos  int
}

func (it *mockHistoryIterator) HasNext() bool { return it.pos < len(it.mods) }

func (it *mockHistoryIterator) Next() (*queryresult.KeyModification, error) {
	if !it.HasNext() {
		return nil, errors.New("no more items")
	}
	mod := it.mods[it.pos]
	it.pos++
	return mod, nil
}

func (it *mockHistoryIterator) Close() error { return nil }

// mockClientIdentity satisfies cid.ClientIdentity for a fixed test caller.
type mockClientIdentity struct {
	cid.ClientIdentity

	id    string
	mspID string
	attrs map[string]string
}

func (m *mockClientIdentity) GetID() (string, error)    { return m.id, nil }
func (m *mockClientIdentity) GetMSPID() (string, error) { return m.mspID, nil }

func (m *mockClientIdentity) GetAttributeValue(attrName string) (string, bool, error) {
	v, ok := m.attrs[attrName]
	return v, ok, nil
}

// mockTransactionContext wires the mock stub and identity together.
type mockTransactionContext struct {
	contractapi.TransactionContextInterface

	stub     *mockStub
	identity *mockClientIdentity
}

func (m *mockTransactionContext) GetStub() shim.ChaincodeStubInterface { return m.stub }
func (m *mockTransactionContext) GetClientIdentity() cid.ClientIdentity {
	return m.identity
}

// --- Test Fixtures ---

const (
	adminID      = "x509::CN=admin-user::OU=admins"
	universityID = "x509::CN=metro-uni::OU=universities"
	employerID   = "x509::CN=acme-hr::OU=employers"
	settlementID = "x509::CN=pay-gw::OU=settlement"
	auditorID    = "x509::CN=gov-audit::OU=auditors"
	outsiderID   = "x509::CN=random-joe::OU=clients"
)

// newTestContext returns a context whose caller is the given identity, sharing
// the provided stub so multiple callers can act on one ledger.
func newTestContext(stub *mockStub, callerID string) *mockTransactionContext {
	return &mockTransactionContext{
		stub:     stub,
		identity: &mockClientIdentity{id: callerID, mspID: "TestMSP", attrs: map[string]string{}},
	}
}

// newBootstrappedLedger builds a ledger with an admin plus one identity per
// role, ready for operation tests.
func newBootstrappedLedger(t interface {
	Helper()
	Fatalf(format string, args ...any)
}) (*mockStub, *CredTraceSmartContract) {
	t.Helper()
	stub := newMockStub()
	sc := &CredTraceSmartContract{}

	adminCtx := newTestContext(stub, adminID)
	if err := sc.BootstrapLedger(adminCtx); err != nil {
		t.Fatalf("BootstrapLedger failed: %v", err)
	}

	registrations := []struct {
		id, alias, role string
	}{
		{universityID, "metro-uni", "university"},
		{employerID, "acme-hr", "employer"},
		{settlementID, "pay-gw", "settlement"},
		{auditorID, "gov-audit", "auditor"},
		{outsiderID, "random-joe", ""},
	}
	for _, reg := range registrations {
		if err := sc.RegisterIdentity(adminCtx, reg.id, reg.alias, reg.alias); err != nil {
			t.Fatalf("RegisterIdentity(%s) failed: %v", reg.alias, err)
		}
		if reg.role != "" {
			if err := sc.AssignRoleToIdentity(adminCtx, reg.alias, reg.role); err != nil {
				t.Fatalf("AssignRole(%s, %s) failed: %v", reg.alias, reg.role, err)
			}
		}
	}
	return stub, sc
}

// sampleSubmissionJSON is a valid degree submission for the fixed tx time.
const sampleSubmissionJSON = `{
	"certificateNumber": "CERT-2024-001",
	"studentId": "S1234567",
	"studentName": "Alice Example",
	"degreeName": "BSc Computer Science",
	"facultyName": "Faculty of Science",
	"degreeClassification": "First Class",
	"issuanceDate": "2024-07-15",
	"notes": "graduated with honors"
}`

// sampleRequestJSON targets the certificate created by sampleSubmissionJSON.
const sampleRequestJSON = `{
	"certificateNumber": "CERT-2024-001",
	"verifierOrganization": "Acme Corp",
	"verifierEmail": "hr@acme.example",
	"paymentMethod": "card",
	"paymentAmount": 25.0
}`
