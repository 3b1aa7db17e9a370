// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// List stored as a json text column.
type JSONList[T any] []T

func (l JSONList[T]) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]T(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *JSONList[T]) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || len(data) == 0 {
		*l = nil
		return err
	}
	return json.Unmarshal(data, (*[]T)(l))
}

func scanBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot scan %T into a json column", src)
	}
}

type StringList = JSONList[string]

type AllocationPool struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Route struct {
	Destination string `json:"destination"`
	NextHop     string `json:"nexthop"`
}

type FixedIP struct {
	IPAddress string `json:"ip_address"`
	SubnetID  string `json:"subnet_id"`
}

type AddressPair struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address,omitempty"`
}
