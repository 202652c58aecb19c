package mssql

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/mssql-core/go-mssqldb/aecrypto"
)

// token ids.
type token byte

const (
	tokenReturnStatus  token = 0x79
	tokenColMetadata   token = 0x81
	tokenOrder         token = 0xA9
	tokenError         token = 0xAA
	tokenInfo          token = 0xAB
	tokenReturnValue   token = 0xAC
	tokenLoginAck      token = 0xAD
	tokenFeatureExtAck token = 0xAE
	tokenRow           token = 0xD1
	tokenNbcRow        token = 0xD2
	tokenEnvChange     token = 0xE3
	tokenSessionState  token = 0xE4
	tokenSSPI          token = 0xED
	tokenFedAuthInfo   token = 0xEE
	tokenColInfo       token = 0xA5
	tokenTabName       token = 0xA4
	tokenDone          token = 0xFD
	tokenDoneProc      token = 0xFE
	tokenDoneInProc    token = 0xFF
)

// Done status flags.
const (
	doneFinal    = 0
	doneMore     = 1
	doneError    = 2
	doneInxact   = 4
	doneCount    = 0x10
	doneAttn     = 0x20
	doneSrvError = 0x100
)

// EnvChange types.
const (
	envTypDatabase           = 1
	envTypLanguage           = 2
	envTypCharset            = 3
	envTypPacketSize         = 4
	envSortId                = 5
	envSortFlags             = 6
	envSqlCollation          = 7
	envTypBeginTran          = 8
	envTypCommitTran         = 9
	envTypRollbackTran       = 10
	envEnlistDTC             = 11
	envDefectTran            = 12
	envDatabaseMirrorPartner = 13
	envPromoteTran           = 15
	envTranMgrAddr           = 16
	envTranEnded             = 17
	envResetConnAck          = 18
	envStartedInstanceName   = 19
	envRouting               = 20
)

const (
	fedAuthInfoSTSURL = 0x01
	fedAuthInfoSPN    = 0x02
)

const cipherAlgCustom = 0x00

// COLMETADATA flags.
const colFlagNullable = 1

// tokenStruct is the empty interface every decoded token value satisfies,
// matching pull-parse channel discipline.
type tokenStruct interface{}

type orderStruct struct {
	ColIds []uint16
}

// doneStruct is the decoded form of Done/DoneProc.
type doneStruct struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
	errors   []Error
}

func (d doneStruct) isError() bool {
	return d.Status&doneError != 0 || len(d.errors) > 0
}

func (d doneStruct) getError() error {
	if len(d.errors) == 0 {
		return &Error{Message: "request failed but the server gave no reason"}
	}
	return aggregateServerErrors(d.errors)
}

type doneInProcStruct doneStruct

type sspiMsg []byte

func parseSSPIMsg(r *tdsBuffer) sspiMsg {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	return sspiMsg(buf)
}

type fedAuthInfoStruct struct {
	STSURL    string
	ServerSPN string
}

type fedAuthInfoOpt struct {
	fedAuthInfoID          byte
	dataLength, dataOffset uint32
}

func parseFedAuthInfo(r *tdsBuffer) fedAuthInfoStruct {
	size := r.uint32()

	var STSURL, SPN string
	var err error

	count := r.uint32()
	offset := uint32(4)
	opts := make([]fedAuthInfoOpt, count)

	for i := uint32(0); i < count; i++ {
		fedAuthInfoID := r.byte()
		dataLength := r.uint32()
		dataOffset := r.uint32()
		offset += 1 + 4 + 4
		opts[i] = fedAuthInfoOpt{fedAuthInfoID, dataLength, dataOffset}
	}

	data := make([]byte, size-offset)
	r.ReadFull(data)

	for i := uint32(0); i < count; i++ {
		if opts[i].dataOffset < offset || opts[i].dataOffset+opts[i].dataLength > size {
			panic(protocolFault("fed auth info opt %d addresses bytes outside the message", i))
		}
		optData := data[opts[i].dataOffset-offset : opts[i].dataOffset-offset+opts[i].dataLength]
		switch opts[i].fedAuthInfoID {
		case fedAuthInfoSTSURL:
			STSURL, err = ucs22str(optData)
		case fedAuthInfoSPN:
			SPN, err = ucs22str(optData)
		default:
			err = fmt.Errorf("unexpected fed auth info opt id %d", opts[i].fedAuthInfoID)
		}
		if err != nil {
			panic(protocolFault("fed auth info: %v", err))
		}
	}
	return fedAuthInfoStruct{STSURL: STSURL, ServerSPN: SPN}
}

type loginAckStruct struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

func parseLoginAck(r *tdsBuffer) loginAckStruct {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	var res loginAckStruct
	res.Interface = buf[0]
	res.TDSVersion = binary.BigEndian.Uint32(buf[1:5])
	prognamelen := int(buf[5])
	name, err := ucs22str(buf[6 : 6+prognamelen*2])
	if err != nil {
		panic(protocolFault("invalid LoginAck program name: %v", err))
	}
	res.ProgName = name
	res.ProgVer = binary.BigEndian.Uint32(buf[size-4:])
	return res
}

type fedAuthAckStruct struct {
	Nonce     []byte
	Signature []byte
}

type colAckStruct struct {
	Version int
}

type featureExtAck map[byte]interface{}

func parseFeatureExtAck(r *tdsBuffer) featureExtAck {
	ack := featureExtAck{}
	for feature := r.byte(); feature != featExtTERMINATOR; feature = r.byte() {
		length := r.uint32()
		switch feature {
		case featExtFEDAUTH:
			fedAuthAck := fedAuthAckStruct{}
			if length >= 32 {
				fedAuthAck.Nonce = make([]byte, 32)
				r.ReadFull(fedAuthAck.Nonce)
				length -= 32
			}
			if length >= 32 {
				fedAuthAck.Signature = make([]byte, 32)
				r.ReadFull(fedAuthAck.Signature)
				length -= 32
			}
			ack[feature] = fedAuthAck
		case featExtCOLUMNENCRYPTION:
			colAck := colAckStruct{}
			colAck.Version = int(r.byte())
			length--
			if length > 0 {
				enclaveLength := r.byte()
				enclave := make([]byte, enclaveLength)
				r.ReadFull(enclave)
				length -= uint32(enclaveLength)
			}
			ack[feature] = colAck
		}
		if length > 0 {
			discard := make([]byte, length)
			r.ReadFull(discard)
		}
	}
	return ack
}

// cryptoMetadata pairs the wire-level aecrypto descriptor with the local
// typeInfo needed to re-decode a cell after decryption, and the CEK table entry it resolves against.
type cryptoMetadata struct {
	aecrypto.CryptoMetadata
	entry    *aecrypto.CekTableEntry
	typeInfo typeInfo
}

func parseColMetadata72(r *tdsBuffer, sess *tdsSession) (columns []columnStruct) {
	count := r.uint16()
	if count == 0xffff {
		return nil
	}
	columns = make([]columnStruct, count)

	var cekTable *aecrypto.CekTable
	alwaysEncrypted := sess.cfg.AlwaysEncrypted != nil
	if alwaysEncrypted {
		cekTable = readCEKTable(r)
	}

	for i := range columns {
		column := &columns[i]
		baseTi := getBaseTypeInfo(r, true)
		ti := readTypeInfo(r, baseTi.TypeId, nil)
		ti.UserType = baseTi.UserType
		ti.Flags = baseTi.Flags
		ti.TypeId = baseTi.TypeId

		if baseTi.TypeId == typeText || baseTi.TypeId == typeNText || baseTi.TypeId == typeImage {
			_ = r.sqlIdentifier()
		}

		column.Flags = baseTi.Flags
		column.UserType = baseTi.UserType
		column.ti = ti

		isEncrypted := baseTi.Flags&0x0400 != 0 // fEncrypted, MS-TDS COLMETADATA flag bit
		if isEncrypted && alwaysEncrypted {
			cm := parseCryptoMetadata(r, cekTable)
			column.cryptoMeta = &cm
		}

		colNameLen := r.byte()
		column.ColName = r.readUcs2(int(colNameLen))
	}
	return columns
}

func getBaseTypeInfo(r *tdsBuffer, parseFlags bool) typeInfo {
	userType := r.uint32()
	flags := uint16(0)
	if parseFlags {
		flags = r.uint16()
	}
	return typeInfo{UserType: userType, Flags: flags, TypeId: r.byte()}
}

func parseCryptoMetadata(r *tdsBuffer, cekTable *aecrypto.CekTable) cryptoMetadata {
	ordinal := uint16(0)
	if cekTable != nil {
		ordinal = r.uint16()
	}

	base := getBaseTypeInfo(r, false)
	ti := readTypeInfo(r, base.TypeId, nil)
	ti.UserType = base.UserType
	ti.Flags = base.Flags
	ti.TypeId = base.TypeId

	algorithmID := r.byte()
	var algName string
	if algorithmID == cipherAlgCustom {
		nameLen := int(r.byte())
		algName = r.readUcs2(nameLen)
	}

	encType := r.byte()
	normRuleVer := r.byte()

	var entry *aecrypto.CekTableEntry
	if cekTable != nil {
		e, err := cekTable.Get(ordinal)
		if err != nil {
			panic(protocolFault("%v", err))
		}
		entry = e
	}

	return cryptoMetadata{
		CryptoMetadata: aecrypto.CryptoMetadata{
			CekTableOrdinal:      ordinal,
			AlgorithmID:          algorithmID,
			AlgorithmName:        algName,
			EncryptionType:       aecrypto.EncryptionType(encType),
			NormalizationVersion: normRuleVer,
		},
		entry:    entry,
		typeInfo: ti,
	}
}

func readCEKTable(r *tdsBuffer) *aecrypto.CekTable {
	tableSize := r.uint16()
	if tableSize == 0 {
		return nil
	}
	table := aecrypto.NewCekTable(int(tableSize))
	for i := uint16(0); i < tableSize; i++ {
		table.Entries[i] = readCekTableEntry(r)
	}
	return table
}

func readCekTableEntry(r *tdsBuffer) aecrypto.CekTableEntry {
	databaseID := r.int32()
	cekID := r.int32()
	cekVersion := r.int32()
	mdVersion := make([]byte, 8)
	r.ReadFull(mdVersion)

	valueCount := int(r.byte())
	values := make([]aecrypto.EncryptionKeyInfo, valueCount)

	for i := 0; i < valueCount; i++ {
		encLen := int(r.uint16())
		encKey := make([]byte, encLen)
		r.ReadFull(encKey)

		keyStoreLen := int(r.byte())
		keyStoreName := r.readUcs2(keyStoreLen)

		keyPathLen := int(r.uint16())
		keyPath := r.readUcs2(keyPathLen)

		algLen := int(r.byte())
		algName := r.readUcs2(algLen)

		values[i] = aecrypto.EncryptionKeyInfo{
			EncryptedKey:        encKey,
			DatabaseID:          int(databaseID),
			CekID:               int(cekID),
			CekVersion:          int(cekVersion),
			CekMDVersion:        mdVersion,
			KeyPath:             keyPath,
			KeyStoreName:        keyStoreName,
			EncryptionAlgorithm: algName,
		}
	}

	return aecrypto.CekTableEntry{
		DatabaseID: int(databaseID),
		KeyID:      int(cekID),
		KeyVersion: int(cekVersion),
		MDVersion:  mdVersion,
		Values:     values,
	}
}

// processCell decodes one column's cell, transparently decrypting it if
// the column carries crypto metadata.
func processCell(ctx context.Context, sess *tdsSession, column *columnStruct, r *tdsBuffer) interface{} {
	raw := column.ti.Reader(&column.ti, r, column.cryptoMeta)
	if raw == nil || column.cryptoMeta == nil {
		return raw
	}
	ciphertext, ok := raw.([]byte)
	if !ok {
		return raw
	}
	return decryptCell(ctx, sess, column.cryptoMeta, ciphertext)
}

func decryptCell(ctx context.Context, sess *tdsSession, cm *cryptoMetadata, ciphertext []byte) interface{} {
	ae := sess.cfg.AlwaysEncrypted
	if ae == nil || cm.entry == nil {
		panic(protocolFault("encrypted column has no Always Encrypted configuration"))
	}
	enc, err := aecrypto.Resolve(ctx, ae.Cache, ae.Registry, cm.entry)
	if err != nil {
		panic(err)
	}
	plain, err := enc.Decrypt(ciphertext, cm.EncryptionType)
	if err != nil {
		panic(err)
	}
	tmp := newTdsBuffer(readOnlyBytesTransport{plain}, len(plain)+packetHeaderSize)
	tmp.rasm = &reassembler{sawEOM: true}
	tmp.rbuf = plain
	return cm.typeInfo.Reader(&cm.typeInfo, tmp, nil)
}

// readOnlyBytesTransport lets decryptCell reuse tdsBuffer's Reader
// functions over an in-memory plaintext slice without a second decoder
// implementation for the post-decryption value.
type readOnlyBytesTransport struct{ b []byte }

func (readOnlyBytesTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (readOnlyBytesTransport) Write(p []byte) (int, error) { return len(p), nil }
func (readOnlyBytesTransport) Close() error                { return nil }

func parseRow(ctx context.Context, sess *tdsSession, columns []columnStruct, row []interface{}) {
	for i := range columns {
		row[i] = processCell(ctx, sess, &columns[i], sess.buf)
	}
}

// parseNbcRow implements the NBC-row rule: a leading ⌈n/8⌉-byte null
// bitmap, then non-null columns decoded in order.
func parseNbcRow(ctx context.Context, sess *tdsSession, columns []columnStruct, row []interface{}) {
	bitlen := (len(columns) + 7) / 8
	pres := make([]byte, bitlen)
	sess.buf.ReadFull(pres)
	for i := range columns {
		if pres[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = nil
			continue
		}
		row[i] = processCell(ctx, sess, &columns[i], sess.buf)
	}
}

func parseReturnStatus(r *tdsBuffer) ReturnStatus {
	return ReturnStatus(r.int32())
}

func parseOrder(r *tdsBuffer) orderStruct {
	n := int(r.uint16()) / 2
	ids := make([]uint16, n)
	for i := range ids {
		ids[i] = r.uint16()
	}
	return orderStruct{ColIds: ids}
}

func parseDone(r *tdsBuffer) doneStruct {
	return doneStruct{Status: r.uint16(), CurCmd: r.uint16(), RowCount: r.uint64()}
}

func parseDoneInProc(r *tdsBuffer) doneInProcStruct {
	return doneInProcStruct{Status: r.uint16(), CurCmd: r.uint16(), RowCount: r.uint64()}
}

func parseError72(r *tdsBuffer) (res Error) {
	_ = r.uint16() // length, redundant with framing
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

func parseInfo(r *tdsBuffer) (res Error) {
	_ = r.uint16()
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

// sessionState is the decoded payload of a Session state token (0xE4),
// whose Data is exposed on Conn.SessionState().
type sessionState struct {
	StateID  uint32
	SeqNo    uint32
	Status   byte
	Data     []byte
}

func parseSessionState(r *tdsBuffer) sessionState {
	length := r.uint32()
	if length < 9 {
		panic(protocolFault("session state token too short: %d", length))
	}
	stateID := r.uint32()
	seqNo := r.uint32()
	status := r.byte()
	data := make([]byte, length-9)
	r.ReadFull(data)
	return sessionState{StateID: stateID, SeqNo: seqNo, Status: status, Data: data}
}

func parseReturnValue(r *tdsBuffer, sess *tdsSession) (nv namedValue) {
	_ = r.uint16() // ParamOrdinal
	nv.Name = r.BVarChar()
	_ = r.byte() // Status

	base := getBaseTypeInfo(r, true)

	var cm *cryptoMetadata
	if sess.cfg.AlwaysEncrypted != nil {
		v := parseCryptoMetadata(r, nil)
		cm = &v
	}

	ti := readTypeInfo(r, base.TypeId, nil)
	nv.Value = ti.Reader(&ti, r, cm)
	return
}

// processEnvChg handles one EnvChange token.
func processEnvChg(sess *tdsSession) {
	size := sess.buf.uint16()
	lr := &io.LimitedReader{R: sess.buf, N: int64(size)}
	for {
		var envtype uint8
		if err := binary.Read(lr, binary.LittleEndian, &envtype); err != nil {
			if err == io.EOF {
				return
			}
			panic(framingFault("reading envchange type: %v", err))
		}
		switch envtype {
		case envTypDatabase:
			db, err := readBVarChar(lr)
			mustRead(err)
			sess.database = db
			_, err = readBVarChar(lr)
			mustRead(err)
		case envTypLanguage, envTypCharset, envSortId, envSortFlags, envEnlistDTC, envDefectTran, envTranMgrAddr, envResetConnAck, envStartedInstanceName:
			_, err := readBVarChar(lr)
			mustRead(err)
			_, err = readBVarChar(lr)
			mustRead(err)
		case envTypPacketSize:
			newSize, err := readBVarChar(lr)
			mustRead(err)
			_, err = readBVarChar(lr)
			mustRead(err)
			n, convErr := strconv.Atoi(newSize)
			if convErr != nil {
				panic(protocolFault("invalid packet size envchange value %q: %v", newSize, convErr))
			}
			sess.buf.ResizeBuffer(n)
		case envSqlCollation:
			var collationSize uint8
			mustRead(binary.Read(lr, binary.LittleEndian, &collationSize))
			if collationSize != 5 {
				panic(protocolFault("invalid SQL collation size %d", collationSize))
			}
			var info uint32
			mustRead(binary.Read(lr, binary.LittleEndian, &info))
			var sortID uint8
			mustRead(binary.Read(lr, binary.LittleEndian, &sortID))
			_, err := readBVarChar(lr)
			mustRead(err)
		case envTypBeginTran:
			tranid, err := readBVarByte(lr)
			mustRead(err)
			if len(tranid) != 8 {
				panic(protocolFault("invalid transaction id length %d", len(tranid)))
			}
			sess.tranid = binary.LittleEndian.Uint64(tranid)
			sess.logf(logTransaction, "BEGIN TRANSACTION %x\n", sess.tranid)
			_, err = readBVarByte(lr)
			mustRead(err)
		case envTypCommitTran, envTypRollbackTran:
			_, err := readBVarByte(lr)
			mustRead(err)
			_, err = readBVarByte(lr)
			mustRead(err)
			if envtype == envTypCommitTran {
				sess.logf(logTransaction, "COMMIT TRANSACTION %x\n", sess.tranid)
			} else {
				sess.logf(logTransaction, "ROLLBACK TRANSACTION %x\n", sess.tranid)
			}
			sess.tranid = 0
		case envPromoteTran:
			_, err := readBVarChar(lr)
			mustRead(err)
			_, err = readBVarChar(lr)
			mustRead(err)
		case envDatabaseMirrorPartner:
			partner, err := readBVarChar(lr)
			mustRead(err)
			sess.partner = partner
			_, err = readBVarChar(lr)
			mustRead(err)
		case envTranEnded:
			_, err := readBVarChar(lr)
			mustRead(err)
			_, err = readBVarChar(lr)
			mustRead(err)
		case envRouting:
			_, err := readUshort(lr)
			mustRead(err)
			protocol, err := readByte(lr)
			if err != nil || protocol != 0 {
				panic(protocolFault("invalid routing protocol byte"))
			}
			newPort, err := readUshort(lr)
			mustRead(err)
			newServer, err := readUsVarChar(lr)
			mustRead(err)
			_, err = readUshort(lr)
			mustRead(err)
			sess.routedServer = newServer
			sess.routedPort = newPort
		default:
			sess.log.Printf("WARN: unknown ENVCHANGE record type %d\n", envtype)
			return
		}
	}
}

func mustRead(err error) {
	if err != nil {
		panic(framingFault("reading envchange field: %v", err))
	}
}

// processSingleResponse drains one logical response message into tokChan
// using a pull-parse/channel discipline. A panic inside decoding is
// recovered and forwarded as an error token rather than crashing the
// connection goroutine.
func processSingleResponse(ctx context.Context, sess *tdsSession, ch chan tokenStruct, outs map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				ch <- err
			} else {
				ch <- fmt.Errorf("mssql: %v", r)
			}
		}
		close(ch)
	}()

	packetType, err := sess.buf.BeginRead()
	if err != nil {
		ch <- err
		return
	}
	if packetType != packReply {
		panic(protocolFault("unexpected packet type in reply: got %v, expected %v", packetType, packReply))
	}

	var columns []columnStruct
	errs := make([]Error, 0, 4)
	for {
		tok := token(sess.buf.byte())
		sess.logf(logDebug, "got token %v", tok)
		switch tok {
		case tokenSSPI:
			ch <- parseSSPIMsg(sess.buf)
			return
		case tokenFedAuthInfo:
			ch <- parseFedAuthInfo(sess.buf)
			return
		case tokenReturnStatus:
			ch <- parseReturnStatus(sess.buf)
		case tokenLoginAck:
			ch <- parseLoginAck(sess.buf)
		case tokenFeatureExtAck:
			ch <- parseFeatureExtAck(sess.buf)
		case tokenOrder:
			ch <- parseOrder(sess.buf)
		case tokenColInfo, tokenTabName:
			skipUnmodelledToken(sess.buf)
		case tokenSessionState:
			st := parseSessionState(sess.buf)
			sess.lastSessionState = &st
			ch <- st
		case tokenDoneInProc:
			done := parseDoneInProc(sess.buf)
			if done.Status&doneCount != 0 {
				sess.logf(logRows, "(%d row(s) affected)\n", done.RowCount)
			}
			ch <- done
		case tokenDone, tokenDoneProc:
			done := parseDone(sess.buf)
			done.errors = errs
			if done.Status&doneSrvError != 0 {
				ch <- errors.New("mssql: server reported an internal error")
				return
			}
			if done.Status&doneCount != 0 {
				sess.logf(logRows, "(%d row(s) affected)\n", done.RowCount)
			}
			ch <- done
			if done.Status&doneMore == 0 {
				return
			}
		case tokenColMetadata:
			columns = parseColMetadata72(sess.buf, sess)
			ch <- columns
		case tokenRow:
			row := make([]interface{}, len(columns))
			parseRow(ctx, sess, columns, row)
			ch <- row
		case tokenNbcRow:
			row := make([]interface{}, len(columns))
			parseNbcRow(ctx, sess, columns, row)
			ch <- row
		case tokenEnvChange:
			processEnvChg(sess)
		case tokenError:
			e := parseError72(sess.buf)
			sess.logf(logDebug, "got ERROR %d %s", e.Number, e.Message)
			errs = append(errs, e)
			sess.logf(logErrors, "%s", e.Message)
		case tokenInfo:
			info := parseInfo(sess.buf)
			sess.logf(logDebug, "got INFO %d %s", info.Number, info.Message)
			sess.logf(logMessages, "%s", info.Message)
		case tokenReturnValue:
			nv := parseReturnValue(sess.buf, sess)
			if len(nv.Name) > 0 {
				name := nv.Name[1:] // strip leading '@'
				if ov, has := outs[name]; has {
					if err := scanIntoOut(name, nv.Value, ov); err != nil {
						ch <- err
					}
				}
			}
		default:
			panic(protocolFault("unknown token tag 0x%02x", byte(tok)))
		}
	}
}

// skipUnmodelledToken discards a ColInfo/TabName token: the core doesn't
// model these refinements, but must still advance the stream past them.
func skipUnmodelledToken(r *tdsBuffer) {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
}

type tokenProcessor struct {
	tokChan    chan tokenStruct
	ctx        context.Context
	sess       *tdsSession
	outs       map[string]interface{}
	lastRow    []interface{}
	rowCount   int64
	firstError error
}

func startReading(ctx context.Context, sess *tdsSession, outs map[string]interface{}) *tokenProcessor {
	tokChan := make(chan tokenStruct, 5)
	go processSingleResponse(ctx, sess, tokChan, outs)
	return &tokenProcessor{tokChan: tokChan, ctx: ctx, sess: sess, outs: outs}
}

func (t *tokenProcessor) iterateResponse() error {
	for {
		tok, err := t.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			return t.firstError
		}
		switch v := tok.(type) {
		case []columnStruct:
			t.sess.columns = v
		case []interface{}:
			t.lastRow = v
		case doneInProcStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
		case doneStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
			if v.isError() && t.firstError == nil {
				t.firstError = v.getError()
			}
		case ReturnStatus:
			t.sess.returnStatus = v
		case sessionState:
			t.sess.lastSessionState = &v
		}
	}
}

func (t *tokenProcessor) nextToken() (tokenStruct, error) {
	select {
	case tok, more := <-t.tokChan:
		if !more {
			return nil, nil
		}
		if err, ok := tok.(error); ok {
			return nil, err
		}
		return tok, nil
	default:
	}

	select {
	case tok, more := <-t.tokChan:
		if !more {
			return nil, nil
		}
		if err, ok := tok.(error); ok {
			return nil, err
		}
		return tok, nil
	case <-t.ctx.Done():
		if err := sendAttention(t.sess.buf); err != nil {
			return nil, err
		}
		if readCancelConfirmation(t.tokChan) {
			return nil, t.ctx.Err()
		}
		t.tokChan = make(chan tokenStruct, 5)
		go processSingleResponse(t.ctx, t.sess, t.tokChan, t.outs)
		if readCancelConfirmation(t.tokChan) {
			return nil, t.ctx.Err()
		}
		return nil, errors.New("mssql: did not get cancellation confirmation from server")
	}
}

func readCancelConfirmation(tokChan chan tokenStruct) bool {
	for tok := range tokChan {
		if d, ok := tok.(doneStruct); ok && d.Status&doneAttn != 0 {
			return true
		}
	}
	return false
}
