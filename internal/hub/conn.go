/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 WebMACS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// WSClient adapts a gorilla websocket connection to the hub Client
// interface. Gorilla connections permit one concurrent writer, so writes are
// serialized under a mutex.
type WSClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient wraps an upgraded websocket connection.
func NewWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{conn: conn}
}

// Send writes one text frame with a write deadline.
func (c *WSClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ReadJSON reads the next inbound frame into v. It blocks until a frame
// arrives or the connection dies.
func (c *WSClient) ReadJSON(v any) error {
	return c.conn.ReadJSON(v)
}
