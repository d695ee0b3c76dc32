package bidib

// Opcode values. Numeric values follow the BiDiB specification's message
// groups (system 0x00-0x0F, local 0x70-0x7F uplink, node table 0x80-0x8F,
// feature 0x90-0x9F, string 0xA0-0xAF, booster/command-station 0xB0-0xCF,
// occupancy 0x20-0x2F). Only the opcodes this stack's handlers and codec
// reference are enumerated; unknown opcodes round-trip fine through
// Marshal/Unmarshal without a symbolic name.
const (
	// System messages.
	MsgSysGetMagic    Opcode = 0x01
	MsgSysMagic       Opcode = 0x02
	MsgSysGetPVersion Opcode = 0x03
	MsgSysPVersion    Opcode = 0x04
	MsgSysEnable      Opcode = 0x05
	MsgSysDisable     Opcode = 0x06
	MsgSysGetUniqueID Opcode = 0x07
	MsgSysUniqueID    Opcode = 0x08
	MsgSysGetSwVer    Opcode = 0x09
	MsgSysSwVersion   Opcode = 0x0A
	MsgSysPing        Opcode = 0x0B
	MsgSysPong        Opcode = 0x0C
	MsgSysIdentify    Opcode = 0x0D
	MsgSysReset       Opcode = 0x0E
	MsgSysGetError    Opcode = 0x0F
	MsgSysError       Opcode = 0x10
	MsgSysClock       Opcode = 0x11

	// Local / link-scope messages (0x70-0x7F): not sequenced, not forwarded.
	MsgLocalPing       Opcode = 0x70
	MsgLocalPong       Opcode = 0x71
	MsgLocalLogon      Opcode = 0x72
	MsgLocalLogonAck   Opcode = 0x73
	MsgLocalLogonReject Opcode = 0x74
	MsgLocalSync       Opcode = 0x75
	MsgLocalAccessory  Opcode = 0x76
	MsgLocalLink       Opcode = 0x77
	MsgLocalAnnounce   Opcode = 0x78
	MsgLocalProtoSig   Opcode = 0x79
	MsgLocalLogoff     Opcode = 0x7A

	// Node table.
	MsgNodetabGetAll     Opcode = 0x80
	MsgNodetabCount      Opcode = 0x81
	MsgNodetab           Opcode = 0x82
	MsgNodetabGetNext    Opcode = 0x83
	MsgNodeNA            Opcode = 0x84
	MsgNodeNew           Opcode = 0x85
	MsgNodeLost          Opcode = 0x86
	MsgNodeChangedAck    Opcode = 0x87
	MsgNodetabGetCount   Opcode = 0x88

	// Features.
	MsgFeatureGetAll  Opcode = 0x90
	MsgFeatureCount   Opcode = 0x91
	MsgFeature        Opcode = 0x92
	MsgFeatureGetNext Opcode = 0x93
	MsgFeatureGet     Opcode = 0x94
	MsgFeatureSet     Opcode = 0x95

	// Strings.
	MsgStringGet Opcode = 0xA0
	MsgStringSet Opcode = 0xA1
	MsgString    Opcode = 0xA2

	// Booster / command station.
	MsgBoostOff        Opcode = 0xB0
	MsgBoostOn         Opcode = 0xB1
	MsgBoostQuery      Opcode = 0xB2
	MsgBoostState      Opcode = 0xB3
	MsgBoostDiagnostic Opcode = 0xB4
	MsgCsSetState      Opcode = 0xC0
	MsgCsState         Opcode = 0xC1
	MsgCsDrive         Opcode = 0xC2
	MsgCsDriveAck      Opcode = 0xC3
	MsgCsAccessory     Opcode = 0xC4
	MsgCsAccessoryAck  Opcode = 0xC5
	MsgCsPom           Opcode = 0xC6
	MsgCsQuery         Opcode = 0xC7
	MsgCsDriveState    Opcode = 0xC8
	MsgCsProg          Opcode = 0xC9
	MsgCsProgState     Opcode = 0xCA

	// Occupancy / feedback.
	MsgBmOcc          Opcode = 0x20
	MsgBmFree         Opcode = 0x21
	MsgBmMultiple     Opcode = 0x22
	MsgBmMirrorOcc    Opcode = 0x23
	MsgBmMirrorFree   Opcode = 0x24
	MsgBmMirrorMult   Opcode = 0x25
	MsgBmGetRange     Opcode = 0x26
	MsgBmGetConfidence Opcode = 0x27
	MsgBmConfidence   Opcode = 0x28
	MsgBmCv           Opcode = 0x29

	// netBiDiB pairing/control.
	MsgLinkDescriptorUID Opcode = 0x7B
	MsgPairingRequest    Opcode = 0x7C
	MsgStatusPaired      Opcode = 0x7D
	MsgStatusUnpaired    Opcode = 0x7E
	MsgLocalLogonRejected Opcode = 0x7F
)

// SysMagic is the 16-bit sentinel that distinguishes operational BiDiB
// (0xAFFE) from boot mode.
const SysMagic uint16 = 0xAFFE

// BootMagic is the sentinel a node reports while in boot-loader mode.
const BootMagic uint16 = 0xFEFE

// ProtocolVersion is this stack's implemented BiDiB protocol version.
const ProtocolVersion uint16 = 0x0013
