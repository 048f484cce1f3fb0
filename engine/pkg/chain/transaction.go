package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/amount"
)

// HiveChainID is the mainnet chain id mixed into every signature digest.
const HiveChainID = "beeab0de00000000000000000000000000000000000000000000000000000000"

// DefaultExpiration is how far past the head block time a transaction stays valid.
const DefaultExpiration = 60 * time.Second

const opTransferID = 2

// TransferOp is a liquid token transfer. Amount is in whole tokens at amount.Places.
type TransferOp struct {
	From   string
	To     string
	Amount float64
	Symbol string
	Memo   string
}

// Transaction is a single-transfer transaction in condenser form.
type Transaction struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     time.Time
	Transfer       TransferOp
	Signatures     []string
}

// NewTransferTx builds an unsigned transfer referencing the head block in g.
func NewTransferTx(g *Globals, op TransferOp, expiration time.Duration) (*Transaction, error) {
	if g == nil {
		return nil, errors.New("globals are required")
	}
	id, err := hex.DecodeString(g.HeadBlockID)
	if err != nil || len(id) < 8 {
		return nil, fmt.Errorf("invalid head block id %q", g.HeadBlockID)
	}
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &Transaction{
		RefBlockNum:    uint16(g.HeadBlockNumber & 0xffff),
		RefBlockPrefix: binary.LittleEndian.Uint32(id[4:8]),
		Expiration:     g.Time.UTC().Add(expiration).Truncate(time.Second),
		Transfer:       op,
	}, nil
}

// Serialize returns the binary form of tx without signatures.
func (tx *Transaction) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, tx.RefBlockNum)
	_ = binary.Write(&buf, binary.LittleEndian, tx.RefBlockPrefix)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(tx.Expiration.Unix()))

	writeVarint(&buf, 1)
	writeVarint(&buf, opTransferID)
	writeString(&buf, tx.Transfer.From)
	writeString(&buf, tx.Transfer.To)
	if err := writeAsset(&buf, tx.Transfer.Amount, tx.Transfer.Symbol); err != nil {
		return nil, err
	}
	writeString(&buf, tx.Transfer.Memo)

	// extensions
	writeVarint(&buf, 0)
	return buf.Bytes(), nil
}

// ID returns the transaction id: the first 20 bytes of the serialized hash, hex encoded.
func (tx *Transaction) ID() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:20]), nil
}

// Digest returns the signature digest of tx for the given chain id.
func (tx *Transaction) Digest(chainID []byte) ([]byte, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(chainID)
	h.Write(raw)
	return h.Sum(nil), nil
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	sigs := tx.Signatures
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(struct {
		RefBlockNum    uint16   `json:"ref_block_num"`
		RefBlockPrefix uint32   `json:"ref_block_prefix"`
		Expiration     string   `json:"expiration"`
		Operations     [][2]any `json:"operations"`
		Extensions     []any    `json:"extensions"`
		Signatures     []string `json:"signatures"`
	}{
		RefBlockNum:    tx.RefBlockNum,
		RefBlockPrefix: tx.RefBlockPrefix,
		Expiration:     tx.Expiration.UTC().Format(TimeLayout),
		Operations: [][2]any{{OpTransfer, map[string]string{
			"from":   tx.Transfer.From,
			"to":     tx.Transfer.To,
			"amount": amount.Format(tx.Transfer.Amount, amount.Places, tx.Transfer.Symbol),
			"memo":   tx.Transfer.Memo,
		}}},
		Extensions: []any{},
		Signatures: sigs,
	})
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// The chain still serializes HIVE and HBD under their legacy symbols.
var wireSymbols = map[string]string{
	"HIVE":  "STEEM",
	"HBD":   "SBD",
	"STEEM": "STEEM",
	"SBD":   "SBD",
}

func writeAsset(buf *bytes.Buffer, v float64, symbol string) error {
	wire, ok := wireSymbols[symbol]
	if !ok {
		return fmt.Errorf("unsupported transfer symbol %q", symbol)
	}
	_ = binary.Write(buf, binary.LittleEndian, amount.Units(v, amount.Places))
	buf.WriteByte(byte(amount.Places))
	var sym [7]byte
	copy(sym[:], wire)
	buf.Write(sym[:])
	return nil
}
