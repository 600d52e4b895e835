package structs

// nibDef mirrors nwkIB_t from Z-Stack 3.0.2 nwk.h. It is 110 bytes packed
// and 116 bytes on ARM targets.
var nibDef = Define("nib",
	Uint8("SequenceNum"),
	Uint8("PassiveAckTimeout"),
	Uint8("MaxBroadcastRetries"),
	Uint8("MaxChildren"),
	Uint8("MaxDepth"),
	Uint8("MaxRouters"),
	Uint8("dummyNeighborTable"),
	Uint8("BroadcastDeliveryTime"),
	Uint8("ReportConstantCost"),
	Uint8("RouteDiscRetries"),
	Uint8("dummyRoutingTable"),
	Uint8("SecureAllFrames"),
	Uint8("SecurityLevel"),
	Uint8("SymLink"),
	Uint8("CapabilityFlags"),
	Uint16("TransactionPersistenceTime"),
	Uint8("nwkProtocolVersion"),
	Uint8("RouteDiscoveryTime"),
	Uint8("RouteExpiryTime"),
	Uint16("nwkDevAddress"),
	Uint8("nwkLogicalChannel"),
	Uint16("nwkCoordAddress"),
	ReversedBytes("nwkCoordExtAddress", 8),
	Uint16("nwkPanId"),
	Uint8("nwkState"),
	Uint32("channelList"),
	Uint8("beaconOrder"),
	Uint8("superFrameOrder"),
	Uint8("scanDuration"),
	Uint8("battLifeExt"),
	Uint32("allocatedRouterAddresses"),
	Uint32("allocatedEndDeviceAddresses"),
	Uint8("nodeDepth"),
	ReversedBytes("extendedPANID", 8),
	Uint8("nwkKeyLoaded"),
	Nested("spare1", nwkKeyDescriptorDef),
	Nested("spare2", nwkKeyDescriptorDef),
	Uint8("spare3"),
	Uint8("spare4"),
	Uint8("nwkLinkStatusPeriod"),
	Uint8("nwkRouterAgeLimit"),
	Uint8("nwkUseMultiCast"),
	Uint8("nwkIsConcentrator"),
	Uint8("nwkConcentratorDiscoveryTime"),
	Uint8("nwkConcentratorRadius"),
	Uint8("nwkAllFresh"),
	Uint16("nwkManagerAddr"),
	Uint16("nwkTotalTransmissions"),
	Uint8("nwkUpdateId"),
)

// NIB is the network information base.
type NIB struct{ *Struct }

func NewNIB() NIB { return NIB{nibDef.New()} }

// DecodeNIB parses a NIB in either layout.
func DecodeNIB(data []byte) (NIB, error) {
	s, err := nibDef.Decode(data)
	if err != nil {
		return NIB{}, err
	}
	return NIB{s}, nil
}

// NIBSize returns the NIB length for an alignment.
func NIBSize(a Alignment) int { return nibDef.Size(a) }

func (n NIB) Raw() *Struct { return n.Struct }

func (n NIB) SecurityLevel() uint8 { return n.Uint8("SecurityLevel") }
func (n NIB) SetSecurityLevel(v uint8) { n.SetUint8("SecurityLevel", v) }
func (n NIB) DevAddress() uint16 { return n.Uint16("nwkDevAddress") }
func (n NIB) SetDevAddress(v uint16) { n.SetUint16("nwkDevAddress", v) }
func (n NIB) LogicalChannel() uint8 { return n.Uint8("nwkLogicalChannel") }
func (n NIB) SetLogicalChannel(v uint8) { n.SetUint8("nwkLogicalChannel", v) }
func (n NIB) CoordExtAddress() IEEEAddr { return addr8(n.Bytes("nwkCoordExtAddress")) }
func (n NIB) SetCoordExtAddress(a IEEEAddr) { n.SetBytes("nwkCoordExtAddress", a[:]) }
func (n NIB) PanID() uint16 { return n.Uint16("nwkPanId") }
func (n NIB) SetPanID(v uint16) { n.SetUint16("nwkPanId", v) }
func (n NIB) State() uint8 { return n.Uint8("nwkState") }
func (n NIB) ChannelList() uint32 { return n.Uint32("channelList") }
func (n NIB) SetChannelList(v uint32) { n.SetUint32("channelList", v) }
func (n NIB) ExtendedPanID() ExtPanID { return addr8(n.Bytes("extendedPANID")) }
func (n NIB) SetExtendedPanID(p ExtPanID) { n.SetBytes("extendedPANID", p[:]) }
func (n NIB) NwkKeyLoaded() bool { return n.Uint8("nwkKeyLoaded") != 0 }
func (n NIB) ManagerAddr() uint16 { return n.Uint16("nwkManagerAddr") }
func (n NIB) UpdateID() uint8 { return n.Uint8("nwkUpdateId") }
func (n NIB) SetUpdateID(v uint8) { n.SetUint8("nwkUpdateId", v) }
