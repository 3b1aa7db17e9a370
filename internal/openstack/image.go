// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
)

type imageClient struct {
	sc  *gophercloud.ServiceClient
	mon Monitor
}

// List the active images visible to the session project.
func (c *imageClient) ListImages(ctx context.Context) ([]Image, error) {
	var data struct {
		Images []Image `json:"images"`
	}
	err := call(c.mon, "image", "list_images", func() error {
		pages, err := images.List(c.sc, images.ListOpts{Status: images.ImageStatusActive}).AllPages(ctx)
		if err != nil {
			return err
		}
		return pages.(images.ImagePage).ExtractInto(&data)
	})
	return data.Images, err
}
