// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"encoding/json"
	"io"
	"os"
	"time"
)

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `json:"level"`
	// The log format to use (json, text).
	Format string `json:"format"`
	// Static attributes added to every record, e.g. the region.
	Attributes map[string]string `json:"attributes"`
}

type DBReconnectConfig struct {
	// The interval between liveness pings to the database.
	LivenessPingIntervalSeconds int `json:"livenessPingIntervalSeconds"`
	// The interval between reconnection attempts on connection loss.
	RetryIntervalSeconds int `json:"retryIntervalSeconds"`
	// The maximum number of reconnection attempts on connection loss before panic.
	MaxRetries int `json:"maxRetries"`
}

// Database configuration.
type DBConfig struct {
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Database  string            `json:"database"`
	User      string            `json:"user"`
	Password  string            `json:"password"`
	Reconnect DBReconnectConfig `json:"reconnect"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `json:"labels"`

	// The port to expose the metrics on.
	Port int `json:"port"`
}

type MQTTReconnectConfig struct {
	// The interval between reconnection attempts on connection loss.
	RetryIntervalSeconds int `json:"retryIntervalSeconds"`

	// The maximum number of reconnection attempts on connection loss before panic.
	MaxRetries int `json:"maxRetries"`
}

// Configuration for the mqtt client.
type MQTTConfig struct {
	// The URL of the MQTT broker to use for mqtt.
	URL string `json:"url"`
	// Credentials for the MQTT broker.
	Username  string              `json:"username"`
	Password  string              `json:"password"`
	Reconnect MQTTReconnectConfig `json:"reconnect"`
}

// Configuration for the api port.
type APIConfig struct {
	// The port to expose the API on.
	Port int `json:"port"`
}

// Configuration for the keystone authentication.
//
// The keystone config describes the default service connection. It is
// seeded into the database on startup under the name "default".
type KeystoneConfig struct {
	// The URL of the keystone service.
	URL string `json:"url"`
	// Availability of the openstack services, such as "public", "internal", or "admin".
	Availability string `json:"availability"`
	// The region to look up service endpoints in.
	Region string `json:"region"`
	// The OpenStack username (OS_USERNAME in openstack cli).
	OSUsername string `json:"username"`
	// The OpenStack password (OS_PASSWORD in openstack cli).
	OSPassword string `json:"password"`
	// The OpenStack project name (OS_PROJECT_NAME in openstack cli).
	OSProjectName string `json:"projectName"`
	// The OpenStack user domain name (OS_USER_DOMAIN_NAME in openstack cli).
	OSUserDomainName string `json:"userDomainName"`
	// The OpenStack project domain name (OS_PROJECT_DOMAIN_NAME in openstack cli).
	OSProjectDomainName string `json:"projectDomainName"`
}

// Additional service connections besides the default one.
type ServiceConnectionConfig struct {
	// Unique name of the connection.
	Name string `json:"name"`
	KeystoneConfig
	// Domain in which tenant projects and users are created.
	DomainID string `json:"domainID"`
	// External network to connect tenant routers to, if any.
	ExternalNetworkID string `json:"externalNetworkID"`
	// Ceiling of concurrent provisioning chains, 0 uses the tasks default.
	MaxConcurrentProvisioning int `json:"maxConcurrentProvisioning"`
	// Delete non-bootable volumes together with their instance.
	DeleteDataVolumesWithInstance bool `json:"deleteDataVolumesWithInstance"`
	// Release floating ips on instance deletion instead of keeping them.
	ReleaseFloatingIPsWithInstance bool `json:"releaseFloatingIPsWithInstance"`
}

// Configuration for the task runner.
type TasksConfig struct {
	// Number of goroutines processing task chains in this process.
	Workers int `json:"workers"`
	// Default interval between two polls of a backend runtime state.
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	// Default upper bound of the total time a poll step may wait.
	PollTimeoutSeconds int `json:"pollTimeoutSeconds"`
	// Delay before a throttled chain asks for admission again.
	ThrottleRetrySeconds int `json:"throttleRetrySeconds"`
	// Default ceiling of concurrently provisioning chains per service connection.
	MaxConcurrentProvisioning int `json:"maxConcurrentProvisioning"`
}

// Configuration for the orchestration executors.
type ExecutorsConfig struct {
	// Name of the keystone role granted to the admin user in new tenants.
	AdminRoleName string `json:"adminRoleName"`
	// Name of the keystone role granted to the generated tenant user.
	MemberRoleName string `json:"memberRoleName"`
	// How long a floating ip stays booked for an instance creation.
	FloatingIPBookingMinutes int `json:"floatingIPBookingMinutes"`
	// CIDR used for the internal subnet if the request does not give one.
	DefaultSubnetCIDR string `json:"defaultSubnetCIDR"`
	// DNS nameservers for new internal subnets.
	DefaultDNSNameservers []string `json:"defaultDNSNameservers"`
}

// Configuration for the periodic jobs.
type SyncConfig struct {
	// Interval between two full pulls of all tenants.
	PullIntervalSeconds int `json:"pullIntervalSeconds"`
}

type SharedConfig struct {
	LoggingConfig    `json:"logging"`
	DBConfig         `json:"db"`
	MonitoringConfig `json:"monitoring"`
	MQTTConfig       `json:"mqtt"`
	APIConfig        `json:"api"`
	KeystoneConfig   `json:"keystone"`
}

// Configuration for the cirrus service.
type Config struct {
	SharedConfig
	TasksConfig        `json:"tasks"`
	ExecutorsConfig    `json:"executors"`
	SyncConfig         `json:"sync"`
	ServiceConnections []ServiceConnectionConfig `json:"serviceConnections"`
}

// Create a new configuration from the default config json file.
//
// This will read two files:
//   - /etc/config/conf.json
//   - /etc/secrets/secrets.json
//
// The values read from secrets.json will override the values in conf.json
func GetConfigOrDie[C any]() C {
	// Note: We need to read the config as a raw map first, to avoid golang
	// unmarshalling default values for the fields.

	// Read the base config from the configmap (not including secrets).
	cmConf, err := readRawConfig("/etc/config/conf.json")
	if err != nil {
		panic(err)
	}
	// Read the secrets config from the kubernetes secret.
	secretConf, err := readRawConfig("/etc/secrets/secrets.json")
	if err != nil {
		panic(err)
	}
	return newConfigFromMaps[C](cmConf, secretConf)
}

func newConfigFromMaps[C any](base, override map[string]any) C {
	// Merge the base config with the override config.
	mergedConf := mergeMaps(base, override)
	// Marshal again, and then unmarshal into the config struct.
	mergedBytes, err := json.Marshal(mergedConf)
	if err != nil {
		panic(err)
	}
	var c C
	if err := json.Unmarshal(mergedBytes, &c); err != nil {
		panic(err)
	}
	return c
}

// Read the json as a map from the given file path.
func readRawConfig(filepath string) (map[string]any, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return readRawConfigFromBytes(bytes)
}

func readRawConfigFromBytes(data []byte) (map[string]any, error) {
	var conf map[string]any
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeMaps recursively overrides dst with src (in-place)
func mergeMaps(dst, src map[string]any) map[string]any {
	result := dst
	if result == nil {
		result = map[string]any{}
	}
	for k, v := range src {
		if v == nil {
			// If src value is nil, skip override
			continue
		}
		if dstVal, ok := result[k]; ok {
			// If both are maps, merge recursively
			dstMap, dstIsMap := dstVal.(map[string]any)
			srcMap, srcIsMap := v.(map[string]any)
			if dstIsMap && srcIsMap {
				result[k] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		// Otherwise, override
		result[k] = v
	}
	return result
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		return time.Duration(fallback) * time.Second
	}
	return time.Duration(value) * time.Second
}

// Number of worker goroutines, at least one.
func (c TasksConfig) WorkerCount() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

func (c TasksConfig) PollInterval() time.Duration { return secondsOr(c.PollIntervalSeconds, 5) }
func (c TasksConfig) PollTimeout() time.Duration  { return secondsOr(c.PollTimeoutSeconds, 1800) }
func (c TasksConfig) ThrottleRetry() time.Duration {
	return secondsOr(c.ThrottleRetrySeconds, 30)
}

// Provisioning ceiling used for connections without their own value.
func (c TasksConfig) ProvisioningCeiling() int {
	if c.MaxConcurrentProvisioning <= 0 {
		return 4
	}
	return c.MaxConcurrentProvisioning
}

func (c ExecutorsConfig) FloatingIPBooking() time.Duration {
	if c.FloatingIPBookingMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.FloatingIPBookingMinutes) * time.Minute
}

func (c ExecutorsConfig) AdminRole() string {
	if c.AdminRoleName == "" {
		return "admin"
	}
	return c.AdminRoleName
}

func (c ExecutorsConfig) MemberRole() string {
	if c.MemberRoleName == "" {
		return "member"
	}
	return c.MemberRoleName
}

func (c ExecutorsConfig) SubnetCIDR() string {
	if c.DefaultSubnetCIDR == "" {
		return "192.168.42.0/24"
	}
	return c.DefaultSubnetCIDR
}

func (c SyncConfig) PullInterval() time.Duration { return secondsOr(c.PullIntervalSeconds, 3600) }
