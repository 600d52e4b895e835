package znp

import "fmt"

// MessageType is the MT command type (upper 3 bits of cmd0).
type MessageType uint8

const (
	TypePOLL MessageType = 0x00
	TypeSREQ MessageType = 0x20
	TypeAREQ MessageType = 0x40
	TypeSRSP MessageType = 0x60
)

func (t MessageType) String() string {
	switch t {
	case TypePOLL:
		return "POLL"
	case TypeSREQ:
		return "SREQ"
	case TypeAREQ:
		return "AREQ"
	case TypeSRSP:
		return "SRSP"
	}
	return fmt.Sprintf("type(0x%02X)", uint8(t))
}

// Subsystem is the MT subsystem (lower 5 bits of cmd0).
type Subsystem uint8

const (
	SubsystemRPCError   Subsystem = 0x00
	SubsystemSYS        Subsystem = 0x01
	SubsystemMAC        Subsystem = 0x02
	SubsystemNWK        Subsystem = 0x03
	SubsystemAF         Subsystem = 0x04
	SubsystemZDO        Subsystem = 0x05
	SubsystemSAPI       Subsystem = 0x06
	SubsystemUTIL       Subsystem = 0x07
	SubsystemDEBUG      Subsystem = 0x08
	SubsystemAPP        Subsystem = 0x09
	SubsystemAPPConfig  Subsystem = 0x0f
	SubsystemGreenPower Subsystem = 0x15
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemRPCError:
		return "RPC_ERROR"
	case SubsystemSYS:
		return "SYS"
	case SubsystemMAC:
		return "MAC"
	case SubsystemNWK:
		return "NWK"
	case SubsystemAF:
		return "AF"
	case SubsystemZDO:
		return "ZDO"
	case SubsystemSAPI:
		return "SAPI"
	case SubsystemUTIL:
		return "UTIL"
	case SubsystemDEBUG:
		return "DEBUG"
	case SubsystemAPP:
		return "APP"
	case SubsystemAPPConfig:
		return "APP_CNF"
	case SubsystemGreenPower:
		return "GREENPOWER"
	}
	return fmt.Sprintf("subsystem(0x%02X)", uint8(s))
}

// SYS commands.
const (
	CmdSysResetReq       uint8 = 0x00
	CmdSysPing           uint8 = 0x01
	CmdSysVersion        uint8 = 0x02
	CmdSysSetExtAddr     uint8 = 0x03
	CmdSysGetExtAddr     uint8 = 0x04
	CmdSysOsalNvItemInit uint8 = 0x07
	CmdSysOsalNvRead     uint8 = 0x08
	CmdSysOsalNvWrite    uint8 = 0x09
	CmdSysOsalNvDelete   uint8 = 0x12
	CmdSysOsalNvLength   uint8 = 0x13
	CmdSysOsalNvReadExt  uint8 = 0x1c
	CmdSysOsalNvWriteExt uint8 = 0x1d
	CmdSysNvCreate       uint8 = 0x30
	CmdSysNvDelete       uint8 = 0x31
	CmdSysNvLength       uint8 = 0x32
	CmdSysNvRead         uint8 = 0x33
	CmdSysNvWrite        uint8 = 0x34
	CmdSysResetInd       uint8 = 0x80
)

// UTIL commands.
const (
	CmdUtilGetDeviceInfo uint8 = 0x00
)

// ZDO commands.
const (
	CmdZdoStartupFromApp uint8 = 0x40
	CmdZdoExtNwkInfo     uint8 = 0x50
	CmdZdoStateChangeInd uint8 = 0xc0
)

// APP_CNF commands.
const (
	CmdAppCnfBdbStartCommissioning uint8 = 0x05
	CmdAppCnfBdbSetChannel         uint8 = 0x08
)

// SAPI commands.
const (
	CmdSapiReadConfiguration  uint8 = 0x04
	CmdSapiWriteConfiguration uint8 = 0x05
)

// CommissioningModeNwkFormation is the BDB network formation mode.
const CommissioningModeNwkFormation uint8 = 0x04

// Status is an MT response status byte.
type Status uint8

const (
	StatusSuccess           Status = 0x00
	StatusFailure           Status = 0x01
	StatusInvalidParameter  Status = 0x02
	StatusNvItemUninit      Status = 0x09
	StatusNvOperFailed      Status = 0x0a
	StatusNvBadItemLen      Status = 0x0c
	StatusMemError          Status = 0x10
	StatusBufferFull        Status = 0x11
	StatusUnsupportedMode   Status = 0x12
	StatusMacMemError       Status = 0x13
	StatusZdpInvalidRequest Status = 0x80
	StatusZdpDeviceNotFound Status = 0x81
	StatusNwkInvalidParam   Status = 0xc1
	StatusNwkInvalidRequest Status = 0xc2
	StatusNwkNotPermitted   Status = 0xc3
	StatusNwkNoNetworks     Status = 0xca
	StatusMacNoResources    Status = 0xe8
)

// StatusNvItemInitialized is returned by osalNvItemInit when the item did
// not exist and was created.
const StatusNvItemInitialized = StatusNvItemUninit

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusNvItemUninit:
		return "NV_ITEM_UNINIT"
	case StatusNvOperFailed:
		return "NV_OPER_FAILED"
	case StatusNvBadItemLen:
		return "NV_BAD_ITEM_LEN"
	case StatusMemError:
		return "MEM_ERROR"
	case StatusBufferFull:
		return "BUFFER_FULL"
	case StatusUnsupportedMode:
		return "UNSUPPORTED_MODE"
	case StatusMacMemError:
		return "MAC_MEM_ERROR"
	case StatusZdpInvalidRequest:
		return "ZDP_INVALID_REQUEST"
	case StatusZdpDeviceNotFound:
		return "ZDP_DEVICE_NOT_FOUND"
	case StatusNwkInvalidParam:
		return "NWK_INVALID_PARAM"
	case StatusNwkInvalidRequest:
		return "NWK_INVALID_REQUEST"
	case StatusNwkNotPermitted:
		return "NWK_NOT_PERMITTED"
	case StatusNwkNoNetworks:
		return "NWK_NO_NETWORKS"
	case StatusMacNoResources:
		return "MAC_NO_RESOURCES"
	}
	return fmt.Sprintf("status(0x%02X)", uint8(s))
}

// DeviceState is the ZDO device state reported by getDeviceInfo and
// stateChangeInd.
type DeviceState uint8

const (
	DevHold              DeviceState = 0x00
	DevInit              DeviceState = 0x01
	DevNwkDisc           DeviceState = 0x02
	DevNwkJoining        DeviceState = 0x03
	DevNwkRejoin         DeviceState = 0x04
	DevEndDeviceUnauth   DeviceState = 0x05
	DevEndDevice         DeviceState = 0x06
	DevRouter            DeviceState = 0x07
	DevCoordStarting     DeviceState = 0x08
	DevZBCoord           DeviceState = 0x09
	DevNwkOrphan         DeviceState = 0x0a
	DevNwkKATimeout      DeviceState = 0x0b
	DevNwkBackoff        DeviceState = 0x0c
	DevNwkRouterAdvanced DeviceState = 0x0d
)

// ResetType selects the SYS resetReq kind.
type ResetType uint8

const (
	ResetHard ResetType = 0x00
	ResetSoft ResetType = 0x01
)

// Product identifies the Z-Stack firmware generation, as reported in the
// product field of SYS version.
type Product uint8

const (
	ZStack12  Product = 0x00
	ZStack3x0 Product = 0x01
	ZStack30x Product = 0x02
)

func (p Product) String() string {
	switch p {
	case ZStack12:
		return "zStack12"
	case ZStack3x0:
		return "zStack3x0"
	case ZStack30x:
		return "zStack30x"
	}
	return fmt.Sprintf("product(%d)", uint8(p))
}

// LogicalType values for the LOGICAL_TYPE NV item.
const (
	LogicalTypeCoordinator uint8 = 0x00
	LogicalTypeRouter      uint8 = 0x01
	LogicalTypeEndDevice   uint8 = 0x02
)

// STARTUP_OPTION flags.
const (
	StartupOptionNone        uint8 = 0x00
	StartupOptionClearConfig uint8 = 0x01
	StartupOptionClearState  uint8 = 0x02
)

// NvItemID identifies a legacy (OSAL) NV item.
type NvItemID uint16

const (
	NvExtAddr                        NvItemID = 0x0001
	NvStartupOption                  NvItemID = 0x0003
	NvNIB                            NvItemID = 0x0021
	NvAddrMgr                        NvItemID = 0x0023
	NvExtendedPanID                  NvItemID = 0x002d
	NvNwkActiveKeyInfo               NvItemID = 0x003a
	NvNwkAlternKeyInfo               NvItemID = 0x003b
	NvAPSUseExtPanID                 NvItemID = 0x0047
	NvAPSLinkKeyTable                NvItemID = 0x004c
	NvBdbNodeIsOnANetwork            NvItemID = 0x004e
	NvHasConfiguredZStack3           NvItemID = 0x0060
	NvPreCfgKey                      NvItemID = 0x0062
	NvPreCfgKeysEnable               NvItemID = 0x0063
	NvLegacyNwkSecMaterialTableStart NvItemID = 0x0075
	NvNwkKey                         NvItemID = 0x0082
	NvPanID                          NvItemID = 0x0083
	NvChanList                       NvItemID = 0x0084
	NvLogicalType                    NvItemID = 0x0087
	NvZdoDirectCB                    NvItemID = 0x008f
	NvTCLKSeed                       NvItemID = 0x0101
	NvLegacyTCLKTableStart12         NvItemID = 0x0101
	NvLegacyTCLKTableStart           NvItemID = 0x0111
	NvAPSLinkKeyDataStart            NvItemID = 0x0201
	NvHasConfiguredZStack1           NvItemID = 0x0f00
)

// Legacy table bounds.
const (
	NvLegacyNwkSecMaterialTableMax = 12
	NvLegacyTCLKTableMax           = 239
	NvAPSLinkKeyDataMax            = 255
)

func (id NvItemID) String() string {
	switch id {
	case NvExtAddr:
		return "EXTADDR"
	case NvStartupOption:
		return "STARTUP_OPTION"
	case NvNIB:
		return "NIB"
	case NvAddrMgr:
		return "ADDRMGR"
	case NvExtendedPanID:
		return "EXTENDED_PAN_ID"
	case NvNwkActiveKeyInfo:
		return "NWK_ACTIVE_KEY_INFO"
	case NvNwkAlternKeyInfo:
		return "NWK_ALTERN_KEY_INFO"
	case NvAPSLinkKeyTable:
		return "APS_LINK_KEY_TABLE"
	case NvHasConfiguredZStack3:
		return "HAS_CONFIGURED_ZSTACK3"
	case NvPreCfgKey:
		return "PRECFGKEY"
	case NvPreCfgKeysEnable:
		return "PRECFGKEYS_ENABLE"
	case NvNwkKey:
		return "NWKKEY"
	case NvPanID:
		return "PANID"
	case NvChanList:
		return "CHANLIST"
	case NvLogicalType:
		return "LOGICAL_TYPE"
	case NvZdoDirectCB:
		return "ZDO_DIRECT_CB"
	case NvTCLKSeed:
		return "TCLK_SEED"
	case NvHasConfiguredZStack1:
		return "HAS_CONFIGURED_ZSTACK1"
	}
	return fmt.Sprintf("0x%04X", uint16(id))
}

// NvSystemID is the system id of extended NV items.
type NvSystemID uint8

const (
	NvSysReserved NvSystemID = 0x00
	NvSysZStack   NvSystemID = 0x01
	NvSysTIMAC    NvSystemID = 0x02
	NvSysRemoTI   NvSystemID = 0x03
	NvSysZNP      NvSystemID = 0x04
	NvSysApp      NvSystemID = 0x05
)

// Extended item ids within NvSysZStack.
const (
	NvExAddrMgr             uint16 = 0x0001
	NvExBindingTable        uint16 = 0x0002
	NvExDeviceList          uint16 = 0x0003
	NvExTCLKTable           uint16 = 0x0004
	NvExTCLKICTable         uint16 = 0x0005
	NvExAPSKeyDataTable     uint16 = 0x0006
	NvExNwkSecMaterialTable uint16 = 0x0007
)

// SAPI configuration id of the pre-configured network key.
const SapiConfigPreCfgKey = uint8(NvPreCfgKey)
