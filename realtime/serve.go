package realtime

import (
	"log"
	"net/http"
	"strconv"

	"github.com/RsrRuso/cocktailsop-sub010/utils"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func userIDString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ServeWS upgrades the request to a websocket, binds it to the authenticated
// user and starts the pumps. The route is guarded by the access-token
// verifier, so claims are always present here.
func ServeWS(h *Hub, svc ChatService) iris.Handler {
	return func(ctx iris.Context) {
		claims := jwt.Get(ctx).(*utils.AccessToken)

		conn, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}

		client := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, 256),
			userID: claims.ID,
			svc:    svc,
			lives:  make(map[uint]bool),
		}

		h.RegisterClient(client)
		go client.writePump()
		go client.readPump()
	}
}
