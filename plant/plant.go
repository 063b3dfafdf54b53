// Package plant implements engine.ChargeController against a Modbus TCP
// hybrid-inverter/EV-charger site, in the register-block read/write style
// of sigenergy.SigenModbusClient: a goburrow/modbus TCP client holding a
// per-call SlaveId, input registers read one value at a time per Read, holding
// registers written one command at a time per Apply. Register addresses
// below are a plausible, self-consistent layout for a site exposing
// battery SoC/power and wallbox power/current over Modbus, not any single
// real inverter's exact map.
package plant

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/vantage-energy/ems-core/domain"
)

const (
	plantSlaveID  byte = 1
	readTimeout        = 1 * time.Second

	// Input registers (read-only telemetry block).
	regBatterySOC      = 3000 // uint16, 0.1%
	regBatteryPowerKW  = 3002 // int32, 0.001kW, +charge/-discharge
	regPVPowerKW       = 3004 // uint32, 0.001kW
	regHouseLoadKW     = 3006 // uint32, 0.001kW
	regEVConnected     = 3008 // uint16, 0/1
	regEVPowerKW       = 3009 // uint32, 0.001kW

	// Holding registers (command block).
	regBatteryModeCmd   = 4000 // 0=idle,1=charge,2=discharge
	regBatteryPowerCmd  = 4001 // int32, 0.001kW
	regEVModeCmd        = 4003 // 0=idle,1=charge
	regEVPowerCmd       = 4004 // uint32, 0.001kW
)

// Client is a Modbus-TCP-backed engine.ChargeController.
type Client struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// Dial opens a Modbus TCP connection to address (host:port).
func Dial(address string) (*Client, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = plantSlaveID
	handler.Timeout = readTimeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("plant: connect %s: %w", address, err)
	}

	return &Client{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// Close releases the underlying Modbus TCP connection.
func (c *Client) Close() error {
	return c.handler.Close()
}

// Read satisfies engine.ChargeController: one input-register read per
// value for battery, PV, house load and EV telemetry.
func (c *Client) Read(ctx context.Context) (domain.SystemState, error) {
	socRaw, err := c.client.ReadInputRegisters(regBatterySOC, 1)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read SoC: %w", err)
	}
	batPowerRaw, err := c.client.ReadInputRegisters(regBatteryPowerKW, 2)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read battery power: %w", err)
	}
	pvRaw, err := c.client.ReadInputRegisters(regPVPowerKW, 2)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read PV power: %w", err)
	}
	loadRaw, err := c.client.ReadInputRegisters(regHouseLoadKW, 2)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read house load: %w", err)
	}
	evConnRaw, err := c.client.ReadInputRegisters(regEVConnected, 1)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read EV connected: %w", err)
	}
	evPowerRaw, err := c.client.ReadInputRegisters(regEVPowerKW, 2)
	if err != nil {
		return domain.SystemState{}, fmt.Errorf("plant: read EV power: %w", err)
	}

	return domain.SystemState{
		Timestamp:      time.Now(),
		BatterySOCPct:  float64(bytesToU16(socRaw)) / 10,
		BatteryPowerW:  float64(bytesToS32(batPowerRaw)) * 1, // already milli-kW == W
		PVPowerW:       float64(bytesToU32(pvRaw)),
		HouseLoadW:     float64(bytesToU32(loadRaw)),
		EVConnected:    bytesToU16(evConnRaw) != 0,
		EVChargePowerW: float64(bytesToU32(evPowerRaw)),
	}, nil
}

// Apply satisfies engine.ChargeController: translates the arbitrator's
// Action into the battery and EV command registers.
func (c *Client) Apply(ctx context.Context, action domain.Action) error {
	var batMode uint16
	batPowerW := int32(0)
	switch action.BatteryAction {
	case domain.BatteryCharge:
		batMode = 1
		batPowerW = int32(action.BatteryPowerLimitKW * 1000)
	case domain.BatteryDischarge:
		batMode = 2
		batPowerW = int32(action.BatteryPowerLimitKW * 1000)
	default:
		batMode = 0
	}
	if _, err := c.client.WriteSingleRegister(regBatteryModeCmd, batMode); err != nil {
		return fmt.Errorf("plant: write battery mode: %w", err)
	}
	if _, err := c.client.WriteMultipleRegisters(regBatteryPowerCmd, 2, s32ToBytes(batPowerW)); err != nil {
		return fmt.Errorf("plant: write battery power: %w", err)
	}

	var evMode uint16
	evPowerW := uint32(0)
	if action.EVAction == domain.EVCharge {
		evMode = 1
		evPowerW = uint32(action.EVPowerLimitKW * 1000)
	}
	if _, err := c.client.WriteSingleRegister(regEVModeCmd, evMode); err != nil {
		return fmt.Errorf("plant: write EV mode: %w", err)
	}
	if _, err := c.client.WriteMultipleRegisters(regEVPowerCmd, 2, u32ToBytes(evPowerW)); err != nil {
		return fmt.Errorf("plant: write EV power: %w", err)
	}
	return nil
}

func bytesToU16(data []byte) uint16 { return binary.BigEndian.Uint16(data) }
func bytesToU32(data []byte) uint32 { return binary.BigEndian.Uint32(data) }
func bytesToS32(data []byte) int32  { return int32(binary.BigEndian.Uint32(data)) }

func u32ToBytes(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func s32ToBytes(val int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(val))
	return buf
}
