package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PositionBlueprint describes a class of position a connector is authorized
// to report: the calculator connector that can value it, an opaque
// type-specific config, and whether reported values count as debt.
type PositionBlueprint struct {
	ID                  common.Hash // content-derived, see BlueprintID
	CalculatorConnector common.Address
	PositionTypeID      uint64
	OnlyOwnerCanReport  bool
	IsDebt              bool
	ConfigData          []byte
	ExtraData           []byte
	Underlyings         []common.Address // tokens the position is built on
}

// HoldingPosition is a concrete open instance of a blueprint, reported by a
// connector. Identity fields (ReportingConnector, BlueprintID, Data) are
// immutable once created; only ExtraData and the update timestamp mutate.
type HoldingPosition struct {
	ID                  common.Hash // content-derived, see HoldingID
	BlueprintID         common.Hash
	CalculatorConnector common.Address
	ReportingConnector  common.Address
	Data                []byte
	ExtraData           []byte
	LastUpdate          time.Time
}

// BlueprintID derives the content identifier of a position blueprint from
// the tuple that makes it unique. The encoding is length-prefix free because
// every field has fixed width except configData, which comes last.
func BlueprintID(calculator common.Address, positionTypeID uint64, configData []byte) common.Hash {
	buf := make([]byte, 0, common.AddressLength+8+len(configData))
	buf = append(buf, calculator.Bytes()...)
	var seq [8]byte
	for i := 0; i < 8; i++ {
		seq[i] = byte(positionTypeID >> (56 - 8*i))
	}
	buf = append(buf, seq[:]...)
	buf = append(buf, configData...)
	return crypto.Keccak256Hash(buf)
}

// HoldingID derives the content identifier of a holding position from the
// reporting connector, its blueprint, and the position data.
func HoldingID(reporter common.Address, blueprintID common.Hash, data []byte) common.Hash {
	buf := make([]byte, 0, common.AddressLength+common.HashLength+len(data))
	buf = append(buf, reporter.Bytes()...)
	buf = append(buf, blueprintID.Bytes()...)
	buf = append(buf, data...)
	return crypto.Keccak256Hash(buf)
}
